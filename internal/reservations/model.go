package reservations

import (
	"strings"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	// ReservationBooked holds the table.
	ReservationBooked ReservationStatus = "booked"
	// ReservationCancelled is terminal; the record is kept for history.
	ReservationCancelled ReservationStatus = "cancelled"
)

// WaitlistStatus is the lifecycle state of a waitlist entry.
type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistNotified  WaitlistStatus = "notified"
	WaitlistConfirmed WaitlistStatus = "confirmed"
	WaitlistCancelled WaitlistStatus = "cancelled"
)

// openWaitlistStatuses are the states in which an entry blocks re-joining.
var openWaitlistStatuses = []WaitlistStatus{WaitlistWaiting, WaitlistNotified}

// NotificationOutcome records how a notification attempt ended.
type NotificationOutcome string

const (
	NotificationDelivered NotificationOutcome = "delivered"
	NotificationFailed    NotificationOutcome = "failed"
)

// Table is a bookable table. Available is false exactly when a booked
// reservation references the table; only the ledger writes it.
type Table struct {
	ID               int64 `gorm:"column:id;primaryKey;autoIncrement"`
	Number           int   `gorm:"column:table_number;not null;uniqueIndex"`
	Capacity         int   `gorm:"column:capacity;not null"`
	Available        bool  `gorm:"column:availability_status;not null;default:true;index"`
	CreatedAtSeconds int64 `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Table) TableName() string {
	return "tables"
}

// Reservation is a booking of one table slot. TableID becomes nil when the
// table is deleted; the reservation itself is never deleted by cancellation.
type Reservation struct {
	ID                 int64             `gorm:"column:id;primaryKey;autoIncrement"`
	UserID             int64             `gorm:"column:user_id;not null;index"`
	TableID            *int64            `gorm:"column:table_id;index:idx_reservations_slot,priority:1"`
	Date               string            `gorm:"column:date;size:10;not null;index:idx_reservations_slot,priority:2"`
	Time               string            `gorm:"column:time;size:5;not null;index:idx_reservations_slot,priority:3"`
	Status             ReservationStatus `gorm:"column:status;size:20;not null"`
	CreatedAtSeconds   int64             `gorm:"column:created_at_s;not null"`
	CancelledAtSeconds *int64            `gorm:"column:cancelled_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Reservation) TableName() string {
	return "reservations"
}

// WaitlistEntry is a user's request to be told when a table frees up on a date.
type WaitlistEntry struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement"`
	UserID            int64          `gorm:"column:user_id;not null;index"`
	TableID           *int64         `gorm:"column:table_id;index:idx_waitlist_queue,priority:1"`
	Date              string         `gorm:"column:date;size:10;not null;index:idx_waitlist_queue,priority:2"`
	Status            WaitlistStatus `gorm:"column:status;size:20;not null;index:idx_waitlist_queue,priority:3"`
	CreatedAtSeconds  int64          `gorm:"column:created_at_s;not null;index:idx_waitlist_queue,priority:4"`
	NotifiedAtSeconds *int64         `gorm:"column:notified_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (WaitlistEntry) TableName() string {
	return "waitlist_entries"
}

// NotificationAttempt is an append-only record of each delivery outcome.
type NotificationAttempt struct {
	ID                 int64               `gorm:"column:id;primaryKey;autoIncrement"`
	EntryID            int64               `gorm:"column:entry_id;not null;index"`
	UserID             int64               `gorm:"column:user_id;not null;index"`
	TableID            *int64              `gorm:"column:table_id"`
	Outcome            NotificationOutcome `gorm:"column:outcome;size:20;not null"`
	Detail             string              `gorm:"column:detail;size:500;not null;default:''"`
	AttemptedAtSeconds int64               `gorm:"column:attempted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NotificationAttempt) TableName() string {
	return "notification_attempts"
}

// Models lists every persisted type owned by this package, for migrations.
func Models() []interface{} {
	return []interface{}{&Table{}, &Reservation{}, &WaitlistEntry{}, &NotificationAttempt{}}
}

// ParseDate validates a YYYY-MM-DD date.
func ParseDate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrMissingDate
	}
	parsed, err := time.Parse(dateLayout, trimmed)
	if err != nil {
		return "", ErrInvalidDate
	}
	return parsed.Format(dateLayout), nil
}

// ParseTime validates an HH:MM or HH:MM:SS time and normalizes it to HH:MM.
func ParseTime(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrMissingTime
	}
	for _, layout := range []string{timeLayout, "15:04:05"} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.Format(timeLayout), nil
		}
	}
	return "", ErrInvalidTime
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
