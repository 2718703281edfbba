package reservations

import (
	"context"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"gorm.io/gorm"
)

const opInsights = "reservations.insights"

// TimeCount is the number of reservations at one time of day.
type TimeCount struct {
	Time  string `json:"time"`
	Count int64  `json:"count"`
}

// DateCount is the number of reservations on one date.
type DateCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// GuestTrend is the number of reservations made by one user.
type GuestTrend struct {
	UserID           int64 `json:"user"`
	ReservationCount int64 `json:"reservation_count"`
}

// UpcomingReservation is a booked reservation that has not started yet.
type UpcomingReservation struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user"`
	TableNumber *int   `json:"table_number"`
	Date        string `json:"date"`
	Time        string `json:"time"`
}

// Insights aggregates booking statistics for staff.
type Insights struct {
	PeakTimesByHour      []TimeCount           `json:"peak_times_by_hour"`
	PeakTimesByDay       []DateCount           `json:"peak_times_by_day"`
	GuestTrends          []GuestTrend          `json:"guest_trends"`
	UpcomingReservations []UpcomingReservation `json:"upcoming_reservations"`
}

// Insights reports peak times and days from today on, per-guest totals and
// the booked reservations still ahead. Staff only.
func (s *Service) Insights(ctx context.Context, principal users.Principal) (Insights, error) {
	if err := s.ready(opInsights); err != nil {
		return Insights{}, err
	}
	if !principal.Authenticated() || !principal.Staff {
		return Insights{}, s.fail(opInsights, "staff_only", ErrStaffOnly)
	}

	now := s.clock().In(s.location)
	today := now.Format(dateLayout)
	currentTime := now.Format(timeLayout)

	insights := Insights{
		PeakTimesByHour:      []TimeCount{},
		PeakTimesByDay:       []DateCount{},
		GuestTrends:          []GuestTrend{},
		UpcomingReservations: []UpcomingReservation{},
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Reservation{}).
			Select("time, COUNT(id) AS count").
			Where("date >= ?", today).
			Group("time").
			Order("count DESC, time ASC").
			Scan(&insights.PeakTimesByHour).Error; err != nil {
			return err
		}
		if err := tx.Model(&Reservation{}).
			Select("date, COUNT(id) AS count").
			Where("date >= ?", today).
			Group("date").
			Order("count DESC, date ASC").
			Scan(&insights.PeakTimesByDay).Error; err != nil {
			return err
		}
		if err := tx.Model(&Reservation{}).
			Select("user_id, COUNT(id) AS reservation_count").
			Group("user_id").
			Order("reservation_count DESC, user_id ASC").
			Scan(&insights.GuestTrends).Error; err != nil {
			return err
		}
		return tx.Table("reservations").
			Select("reservations.id, reservations.user_id, tables.table_number, reservations.date, reservations.time").
			Joins("LEFT JOIN tables ON tables.id = reservations.table_id").
			Where("reservations.status = ?", ReservationBooked).
			Where("reservations.date > ? OR (reservations.date = ? AND reservations.time >= ?)", today, today, currentTime).
			Order("reservations.date ASC, reservations.time ASC, reservations.id ASC").
			Scan(&insights.UpcomingReservations).Error
	})
	if err != nil {
		return Insights{}, s.fail(opInsights, reasonQueryFailed, err)
	}
	return insights, nil
}
