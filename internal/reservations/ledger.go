package reservations

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opBook             = "reservations.book"
	opCancel           = "reservations.cancel"
	opListReservations = "reservations.list_reservations"
	opRemoveUser       = "reservations.remove_user"

	outcomeBooked      = "booked"
	outcomeCancelled   = "cancelled"
	outcomeDuplicate   = "duplicate"
	outcomeUnavailable = "unavailable"
)

// BookingRequest is the caller-supplied part of a booking. TableFieldSet
// reports that the request body carried its own table reference, which is
// rejected because the table comes from the path.
type BookingRequest struct {
	Date          string
	Time          string
	TableFieldSet bool
}

// BookingSummary is returned for a successful booking.
type BookingSummary struct {
	ID          int64  `json:"id"`
	TableNumber int    `json:"table_number"`
	Date        string `json:"date"`
	Time        string `json:"time"`
}

// ReservationView is a reservation as listed to its owner.
type ReservationView struct {
	ID          int64             `json:"id"`
	TableID     *int64            `json:"table_id"`
	TableNumber *int              `json:"table_number"`
	Date        string            `json:"date"`
	Time        string            `json:"time"`
	Status      ReservationStatus `json:"status"`
	CreatedAt   int64             `json:"created_at"`
}

// Book reserves a table slot for the principal and marks the table
// unavailable in the same transaction.
func (s *Service) Book(ctx context.Context, principal users.Principal, tableID int64, request BookingRequest) (BookingSummary, error) {
	if err := s.ready(opBook); err != nil {
		return BookingSummary{}, err
	}
	if !principal.Authenticated() {
		return BookingSummary{}, s.fail(opBook, "unauthenticated", ErrUnauthenticated)
	}
	if request.TableFieldSet {
		return BookingSummary{}, s.fail(opBook, "unexpected_table_field", ErrUnexpectedTableField)
	}
	date, err := ParseDate(request.Date)
	if err != nil {
		return BookingSummary{}, s.fail(opBook, "invalid_date", err)
	}
	slotTime, err := ParseTime(request.Time)
	if err != nil {
		return BookingSummary{}, s.fail(opBook, "invalid_time", err)
	}
	if date < s.Today() {
		return BookingSummary{}, s.fail(opBook, "past_date", ErrPastDate)
	}

	releaseUser, err := s.locker.Acquire(ctx, userLockKey(principal.UserID))
	if err != nil {
		return BookingSummary{}, s.fail(opBook, reasonLockFailed, err, zap.Int64("user_id", principal.UserID))
	}
	defer releaseUser()
	release, err := s.locker.Acquire(ctx, tableLockKey(tableID))
	if err != nil {
		return BookingSummary{}, s.fail(opBook, reasonLockFailed, err, zap.Int64("table_id", tableID))
	}
	defer release()

	var summary BookingSummary
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireUser(tx, principal.UserID); err != nil {
			return err
		}
		var table Table
		if err := lockTable(tx, tableID, &table); err != nil {
			return err
		}

		var duplicates int64
		if err := tx.Model(&Reservation{}).
			Where("user_id = ? AND table_id = ? AND date = ? AND time = ? AND status = ?",
				principal.UserID, tableID, date, slotTime, ReservationBooked).
			Count(&duplicates).Error; err != nil {
			return err
		}
		if duplicates > 0 {
			return ErrDuplicateReservation
		}
		if !table.Available {
			return ErrTableUnavailable
		}

		reservation := Reservation{
			UserID:           principal.UserID,
			TableID:          pointerTo(tableID),
			Date:             date,
			Time:             slotTime,
			Status:           ReservationBooked,
			CreatedAtSeconds: s.nowSeconds(),
		}
		if err := tx.Create(&reservation).Error; err != nil {
			return err
		}
		changed, err := setAvailability(tx, tableID, false)
		if err != nil {
			return err
		}
		if !changed {
			return ErrTableUnavailable
		}
		summary = BookingSummary{
			ID:          reservation.ID,
			TableNumber: table.Number,
			Date:        date,
			Time:        slotTime,
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrUserNotFound):
		return BookingSummary{}, s.fail(opBook, "user_not_found", ErrUserNotFound)
	case errors.Is(err, ErrTableNotFound):
		return BookingSummary{}, s.fail(opBook, "table_not_found", ErrTableNotFound)
	case errors.Is(err, ErrDuplicateReservation):
		s.observer.ObserveReservation(outcomeDuplicate)
		return BookingSummary{}, s.fail(opBook, "duplicate_reservation", ErrDuplicateReservation)
	case errors.Is(err, ErrTableUnavailable):
		s.observer.ObserveReservation(outcomeUnavailable)
		return BookingSummary{}, s.fail(opBook, "table_unavailable", ErrTableUnavailable)
	case err != nil:
		return BookingSummary{}, s.fail(opBook, "transaction_failed", err, zap.Int64("table_id", tableID))
	}

	s.observer.ObserveReservation(outcomeBooked)
	s.loggerOrDefault().Info("reservation booked",
		zap.Int64("reservation_id", summary.ID),
		zap.Int64("table_id", tableID),
		zap.Int64("user_id", principal.UserID),
		zap.String("date", date),
		zap.String("time", slotTime),
	)
	return summary, nil
}

// Cancel moves a booked reservation to cancelled and frees its table.
// Reservations that do not exist or belong to someone else are reported as
// not found.
func (s *Service) Cancel(ctx context.Context, principal users.Principal, reservationID int64) error {
	if err := s.ready(opCancel); err != nil {
		return err
	}
	if !principal.Authenticated() {
		return s.fail(opCancel, "unauthenticated", ErrUnauthenticated)
	}

	var reservation Reservation
	err := s.db.WithContext(ctx).Where("id = ?", reservationID).Take(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !principal.CanActOn(reservation.UserID)) {
		return s.fail(opCancel, "reservation_not_found", ErrReservationNotFound)
	}
	if err != nil {
		return s.fail(opCancel, reasonQueryFailed, err, zap.Int64("reservation_id", reservationID))
	}

	if reservation.TableID != nil {
		release, lockErr := s.locker.Acquire(ctx, tableLockKey(*reservation.TableID))
		if lockErr != nil {
			return s.fail(opCancel, reasonLockFailed, lockErr, zap.Int64("reservation_id", reservationID))
		}
		defer release()
	}

	var tableID *int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Reservation
		if err := tx.Where("id = ?", reservationID).Take(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReservationNotFound
			}
			return err
		}
		result := tx.Model(&Reservation{}).
			Where("id = ? AND status = ?", reservationID, ReservationBooked).
			Updates(map[string]interface{}{
				"status":         ReservationCancelled,
				"cancelled_at_s": s.nowSeconds(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAlreadyCancelled
		}
		tableID = current.TableID
		if tableID == nil {
			return nil
		}
		changed, err := setAvailability(tx, *tableID, true)
		if err != nil {
			return err
		}
		if !changed {
			s.loggerOrDefault().Warn("table already available on cancellation",
				zap.Int64("table_id", *tableID),
				zap.Int64("reservation_id", reservationID),
			)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrReservationNotFound):
		return s.fail(opCancel, "reservation_not_found", ErrReservationNotFound)
	case errors.Is(err, ErrAlreadyCancelled):
		return s.fail(opCancel, "already_cancelled", ErrAlreadyCancelled)
	case err != nil:
		return s.fail(opCancel, "transaction_failed", err, zap.Int64("reservation_id", reservationID))
	}

	s.observer.ObserveReservation(outcomeCancelled)
	fields := []zap.Field{
		zap.Int64("reservation_id", reservationID),
		zap.Int64("user_id", reservation.UserID),
	}
	if tableID != nil {
		fields = append(fields, zap.Int64("table_id", *tableID))
	}
	s.loggerOrDefault().Info("reservation cancelled", fields...)
	return nil
}

// ListReservations returns the principal's reservations, newest first.
func (s *Service) ListReservations(ctx context.Context, principal users.Principal) ([]ReservationView, error) {
	if err := s.ready(opListReservations); err != nil {
		return nil, err
	}
	if !principal.Authenticated() {
		return nil, s.fail(opListReservations, "unauthenticated", ErrUnauthenticated)
	}

	var rows []struct {
		ID               int64
		TableID          *int64
		TableNumber      *int
		Date             string
		Time             string
		Status           ReservationStatus
		CreatedAtSeconds int64
	}
	err := s.db.WithContext(ctx).
		Table("reservations").
		Select("reservations.id, reservations.table_id, tables.table_number, reservations.date, reservations.time, reservations.status, reservations.created_at_s AS created_at_seconds").
		Joins("LEFT JOIN tables ON tables.id = reservations.table_id").
		Where("reservations.user_id = ?", principal.UserID).
		Order("reservations.created_at_s DESC, reservations.id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, s.fail(opListReservations, reasonQueryFailed, err)
	}

	views := make([]ReservationView, 0, len(rows))
	for _, row := range rows {
		views = append(views, ReservationView{
			ID:          row.ID,
			TableID:     row.TableID,
			TableNumber: row.TableNumber,
			Date:        row.Date,
			Time:        row.Time,
			Status:      row.Status,
			CreatedAt:   row.CreatedAtSeconds,
		})
	}
	return views, nil
}

// RemoveUser deletes an account together with its reservations, waitlist
// entries and notification records. Tables held by the user's booked
// reservations are released in the same transaction.
func (s *Service) RemoveUser(ctx context.Context, principal users.Principal, userID int64) error {
	if err := s.ready(opRemoveUser); err != nil {
		return err
	}
	if !principal.Authenticated() {
		return s.fail(opRemoveUser, "unauthenticated", ErrUnauthenticated)
	}
	if !principal.CanActOn(userID) {
		return s.fail(opRemoveUser, "forbidden", ErrStaffOnly)
	}

	// Bookings and waitlist joins for this user wait on the user lock, so the
	// set of held tables cannot grow once it is read below.
	releaseUser, err := s.locker.Acquire(ctx, userLockKey(userID))
	if err != nil {
		return s.fail(opRemoveUser, reasonLockFailed, err, zap.Int64("user_id", userID))
	}
	defer releaseUser()

	var held []int64
	if err := s.db.WithContext(ctx).Model(&Reservation{}).
		Where("user_id = ? AND status = ? AND table_id IS NOT NULL", userID, ReservationBooked).
		Distinct().
		Pluck("table_id", &held).Error; err != nil {
		return s.fail(opRemoveUser, reasonQueryFailed, err, zap.Int64("user_id", userID))
	}
	sort.Slice(held, func(i, j int) bool { return held[i] < held[j] })
	for _, tableID := range held {
		release, err := s.locker.Acquire(ctx, tableLockKey(tableID))
		if err != nil {
			return s.fail(opRemoveUser, reasonLockFailed, err, zap.Int64("table_id", tableID))
		}
		defer release()
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user users.User
		if err := tx.Where("id = ?", userID).Take(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		var booked []Reservation
		if err := tx.Where("user_id = ? AND status = ? AND table_id IS NOT NULL", userID, ReservationBooked).
			Find(&booked).Error; err != nil {
			return err
		}
		for _, reservation := range booked {
			if _, err := setAvailability(tx, *reservation.TableID, true); err != nil {
				return err
			}
		}

		for _, model := range []interface{}{&NotificationAttempt{}, &WaitlistEntry{}, &Reservation{}} {
			if err := tx.Where("user_id = ?", userID).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&users.User{}, userID).Error
	})
	if errors.Is(err, ErrUserNotFound) {
		return s.fail(opRemoveUser, "user_not_found", ErrUserNotFound)
	}
	if err != nil {
		return s.fail(opRemoveUser, "transaction_failed", err, zap.Int64("user_id", userID))
	}
	s.loggerOrDefault().Info("user removed",
		zap.Int64("user_id", userID),
		zap.Int("released_tables", len(held)),
	)
	return nil
}
