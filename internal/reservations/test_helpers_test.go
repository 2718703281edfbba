package reservations

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var databaseSequence int64

// testNow is 2025-01-22 12:00 UTC.
var testNow = time.Date(2025, time.January, 22, 12, 0, 0, 0, time.UTC)

const (
	testToday    = "2025-01-22"
	testTomorrow = "2025-01-23"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:reservations_test_%d?mode=memory&cache=shared", atomic.AddInt64(&databaseSequence, 1)+time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append([]interface{}{&users.User{}}, Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	return newTestServiceWith(t, ServiceConfig{})
}

func newTestServiceWith(t *testing.T, cfg ServiceConfig) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	cfg.Database = db
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return testNow }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func seedUser(t *testing.T, db *gorm.DB, email string, staff bool) users.Principal {
	t.Helper()
	user := users.User{
		Email:        email,
		FullName:     "Guest " + email,
		PasswordHash: "hash",
		IsStaff:      staff,
		IsActive:     true,
		DateJoined:   testNow,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return users.PrincipalFor(user)
}

func seedTable(t *testing.T, db *gorm.DB, number int) Table {
	t.Helper()
	table := Table{Number: number, Capacity: 4, Available: true, CreatedAtSeconds: testNow.Unix()}
	if err := db.Create(&table).Error; err != nil {
		t.Fatalf("failed to seed table: %v", err)
	}
	return table
}

func mustBook(t *testing.T, service *Service, principal users.Principal, tableID int64, date, slot string) BookingSummary {
	t.Helper()
	summary, err := service.Book(context.Background(), principal, tableID, BookingRequest{Date: date, Time: slot})
	if err != nil {
		t.Fatalf("book failed: %v", err)
	}
	return summary
}

func mustJoin(t *testing.T, service *Service, principal users.Principal, tableID int64, date string) WaitlistView {
	t.Helper()
	entry, err := service.JoinWaitlist(context.Background(), principal, tableID, date)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return entry
}

func loadTable(t *testing.T, db *gorm.DB, tableID int64) Table {
	t.Helper()
	var table Table
	if err := db.Where("id = ?", tableID).Take(&table).Error; err != nil {
		t.Fatalf("failed to load table: %v", err)
	}
	return table
}

func loadEntry(t *testing.T, db *gorm.DB, entryID int64) WaitlistEntry {
	t.Helper()
	var entry WaitlistEntry
	if err := db.Where("id = ?", entryID).Take(&entry).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	return entry
}

// assertAvailabilityMatchesBookings checks that every table is unavailable
// exactly when a booked reservation references it.
func assertAvailabilityMatchesBookings(t *testing.T, db *gorm.DB) {
	t.Helper()
	var tables []Table
	if err := db.Find(&tables).Error; err != nil {
		t.Fatalf("failed to list tables: %v", err)
	}
	for _, table := range tables {
		var booked int64
		if err := db.Model(&Reservation{}).
			Where("table_id = ? AND status = ?", table.ID, ReservationBooked).
			Count(&booked).Error; err != nil {
			t.Fatalf("failed to count bookings: %v", err)
		}
		if table.Available != (booked == 0) {
			t.Fatalf("table %d available=%v with %d booked reservations", table.Number, table.Available, booked)
		}
	}
}

type recordingObserver struct {
	mu           sync.Mutex
	reservations []string
	waitlist     []string
}

func (o *recordingObserver) ObserveReservation(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reservations = append(o.reservations, outcome)
}

func (o *recordingObserver) ObserveWaitlist(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waitlist = append(o.waitlist, outcome)
}

func (o *recordingObserver) reservationCount(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return countOf(o.reservations, outcome)
}

func (o *recordingObserver) waitlistCount(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return countOf(o.waitlist, outcome)
}

func countOf(values []string, outcome string) int {
	total := 0
	for _, value := range values {
		if value == outcome {
			total++
		}
	}
	return total
}
