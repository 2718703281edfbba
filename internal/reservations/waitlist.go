package reservations

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opJoinWaitlist     = "reservations.join_waitlist"
	opMarkNotified     = "reservations.mark_notified"
	opRecordFailure    = "reservations.record_delivery_failure"
	opConfirmEntry     = "reservations.confirm_entry"
	opLeaveWaitlist    = "reservations.leave_waitlist"
	opListWaitlist     = "reservations.list_waitlist"
	opWaitingEntries   = "reservations.waiting_entries"
	maxFailureDetail   = 500
	outcomeJoined      = "joined"
	outcomeNotified    = "notified"
	outcomeFailed      = "delivery_failed"
	outcomeConfirmed   = "confirmed"
	outcomeLeft        = "left"
	outcomeWaitlistDup = "duplicate"
)

// WaitlistView is a waitlist entry as shown to its owner.
type WaitlistView struct {
	ID          int64          `json:"id"`
	TableID     *int64         `json:"table_id"`
	TableNumber *int           `json:"table_number"`
	Date        string         `json:"date"`
	Status      WaitlistStatus `json:"status"`
	CreatedAt   int64          `json:"created_at"`
	NotifiedAt  *int64         `json:"notified_at,omitempty"`
}

// PendingNotification is a waiting entry joined with what the sweep needs to
// address and word the message.
type PendingNotification struct {
	EntryID     int64
	UserID      int64
	Email       string
	FullName    string
	TableID     int64
	TableNumber int
	Date        string
}

// JoinWaitlist queues the principal for a table on a date. The table does not
// have to be unavailable.
func (s *Service) JoinWaitlist(ctx context.Context, principal users.Principal, tableID int64, rawDate string) (WaitlistView, error) {
	if err := s.ready(opJoinWaitlist); err != nil {
		return WaitlistView{}, err
	}
	if !principal.Authenticated() {
		return WaitlistView{}, s.fail(opJoinWaitlist, "unauthenticated", ErrUnauthenticated)
	}
	date, err := ParseDate(rawDate)
	if err != nil {
		return WaitlistView{}, s.fail(opJoinWaitlist, "invalid_date", err)
	}

	release, err := s.locker.Acquire(ctx, userLockKey(principal.UserID))
	if err != nil {
		return WaitlistView{}, s.fail(opJoinWaitlist, reasonLockFailed, err, zap.Int64("user_id", principal.UserID))
	}
	defer release()

	var view WaitlistView
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireUser(tx, principal.UserID); err != nil {
			return err
		}
		var table Table
		if err := tx.Where(queryTableID, tableID).Take(&table).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTableNotFound
			}
			return err
		}

		var open int64
		if err := tx.Model(&WaitlistEntry{}).
			Where("user_id = ? AND table_id = ? AND date = ? AND status IN ?",
				principal.UserID, tableID, date, openWaitlistStatuses).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrAlreadyWaitlisted
		}

		entry := WaitlistEntry{
			UserID:           principal.UserID,
			TableID:          pointerTo(tableID),
			Date:             date,
			Status:           WaitlistWaiting,
			CreatedAtSeconds: s.nowSeconds(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		number := table.Number
		view = WaitlistView{
			ID:          entry.ID,
			TableID:     entry.TableID,
			TableNumber: &number,
			Date:        entry.Date,
			Status:      entry.Status,
			CreatedAt:   entry.CreatedAtSeconds,
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrUserNotFound):
		return WaitlistView{}, s.fail(opJoinWaitlist, "user_not_found", ErrUserNotFound)
	case errors.Is(err, ErrTableNotFound):
		return WaitlistView{}, s.fail(opJoinWaitlist, "table_not_found", ErrTableNotFound)
	case errors.Is(err, ErrAlreadyWaitlisted):
		s.observer.ObserveWaitlist(outcomeWaitlistDup)
		return WaitlistView{}, s.fail(opJoinWaitlist, "already_waitlisted", ErrAlreadyWaitlisted)
	case err != nil:
		return WaitlistView{}, s.fail(opJoinWaitlist, "transaction_failed", err, zap.Int64("table_id", tableID))
	}

	s.observer.ObserveWaitlist(outcomeJoined)
	s.loggerOrDefault().Info("waitlist joined",
		zap.Int64("entry_id", view.ID),
		zap.Int64("table_id", tableID),
		zap.Int64("user_id", principal.UserID),
		zap.String("date", date),
	)
	return view, nil
}

// MarkNotified moves a waiting entry to notified and records the delivery.
// It reports whether this call performed the transition; entries already
// notified or closed are left untouched without error.
func (s *Service) MarkNotified(ctx context.Context, entryID int64) (bool, error) {
	if err := s.ready(opMarkNotified); err != nil {
		return false, err
	}

	transitioned := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry WaitlistEntry
		if err := tx.Where("id = ?", entryID).Take(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEntryNotFound
			}
			return err
		}

		now := s.nowSeconds()
		result := tx.Model(&WaitlistEntry{}).
			Where("id = ? AND status = ?", entryID, WaitlistWaiting).
			Updates(map[string]interface{}{
				"status":        WaitlistNotified,
				"notified_at_s": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		transitioned = true
		return tx.Create(&NotificationAttempt{
			EntryID:            entry.ID,
			UserID:             entry.UserID,
			TableID:            entry.TableID,
			Outcome:            NotificationDelivered,
			AttemptedAtSeconds: now,
		}).Error
	})
	if errors.Is(err, ErrEntryNotFound) {
		return false, s.fail(opMarkNotified, "entry_not_found", ErrEntryNotFound)
	}
	if err != nil {
		return false, s.fail(opMarkNotified, "transaction_failed", err, zap.Int64("entry_id", entryID))
	}
	if transitioned {
		s.observer.ObserveWaitlist(outcomeNotified)
	}
	return transitioned, nil
}

// RecordDeliveryFailure appends a failed attempt for an entry that stays waiting.
func (s *Service) RecordDeliveryFailure(ctx context.Context, entryID int64, cause error) error {
	if err := s.ready(opRecordFailure); err != nil {
		return err
	}
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	detail = truncateUTF8(detail, maxFailureDetail)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry WaitlistEntry
		if err := tx.Where("id = ?", entryID).Take(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEntryNotFound
			}
			return err
		}
		return tx.Create(&NotificationAttempt{
			EntryID:            entry.ID,
			UserID:             entry.UserID,
			TableID:            entry.TableID,
			Outcome:            NotificationFailed,
			Detail:             detail,
			AttemptedAtSeconds: s.nowSeconds(),
		}).Error
	})
	if errors.Is(err, ErrEntryNotFound) {
		return s.fail(opRecordFailure, "entry_not_found", ErrEntryNotFound)
	}
	if err != nil {
		return s.fail(opRecordFailure, "insert_failed", err, zap.Int64("entry_id", entryID))
	}
	s.observer.ObserveWaitlist(outcomeFailed)
	return nil
}

// ConfirmEntry closes a notified entry on behalf of its owner.
func (s *Service) ConfirmEntry(ctx context.Context, principal users.Principal, entryID int64) error {
	return s.closeEntry(ctx, opConfirmEntry, principal, entryID,
		[]WaitlistStatus{WaitlistNotified}, WaitlistConfirmed, ErrEntryNotNotified, outcomeConfirmed)
}

// LeaveWaitlist cancels an open entry on behalf of its owner.
func (s *Service) LeaveWaitlist(ctx context.Context, principal users.Principal, entryID int64) error {
	return s.closeEntry(ctx, opLeaveWaitlist, principal, entryID,
		openWaitlistStatuses, WaitlistCancelled, ErrEntryClosed, outcomeLeft)
}

func (s *Service) closeEntry(
	ctx context.Context,
	operation string,
	principal users.Principal,
	entryID int64,
	from []WaitlistStatus,
	to WaitlistStatus,
	rejection error,
	outcome string,
) error {
	if err := s.ready(operation); err != nil {
		return err
	}
	if !principal.Authenticated() {
		return s.fail(operation, "unauthenticated", ErrUnauthenticated)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry WaitlistEntry
		if err := tx.Where("id = ?", entryID).Take(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEntryNotFound
			}
			return err
		}
		if !principal.CanActOn(entry.UserID) {
			return ErrEntryNotFound
		}
		result := tx.Model(&WaitlistEntry{}).
			Where("id = ? AND status IN ?", entryID, from).
			Update("status", to)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return rejection
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrEntryNotFound):
		return s.fail(operation, "entry_not_found", ErrEntryNotFound)
	case errors.Is(err, rejection):
		return s.fail(operation, "invalid_transition", rejection)
	case err != nil:
		return s.fail(operation, "transaction_failed", err, zap.Int64("entry_id", entryID))
	}
	s.observer.ObserveWaitlist(outcome)
	return nil
}

// ListWaitlist returns the principal's entries, newest first.
func (s *Service) ListWaitlist(ctx context.Context, principal users.Principal) ([]WaitlistView, error) {
	if err := s.ready(opListWaitlist); err != nil {
		return nil, err
	}
	if !principal.Authenticated() {
		return nil, s.fail(opListWaitlist, "unauthenticated", ErrUnauthenticated)
	}

	var rows []struct {
		ID                int64
		TableID           *int64
		TableNumber       *int
		Date              string
		Status            WaitlistStatus
		CreatedAtSeconds  int64
		NotifiedAtSeconds *int64
	}
	err := s.db.WithContext(ctx).
		Table("waitlist_entries").
		Select("waitlist_entries.id, waitlist_entries.table_id, tables.table_number, waitlist_entries.date, waitlist_entries.status, waitlist_entries.created_at_s AS created_at_seconds, waitlist_entries.notified_at_s AS notified_at_seconds").
		Joins("LEFT JOIN tables ON tables.id = waitlist_entries.table_id").
		Where("waitlist_entries.user_id = ?", principal.UserID).
		Order("waitlist_entries.created_at_s DESC, waitlist_entries.id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, s.fail(opListWaitlist, reasonQueryFailed, err)
	}

	views := make([]WaitlistView, 0, len(rows))
	for _, row := range rows {
		views = append(views, WaitlistView{
			ID:          row.ID,
			TableID:     row.TableID,
			TableNumber: row.TableNumber,
			Date:        row.Date,
			Status:      row.Status,
			CreatedAt:   row.CreatedAtSeconds,
			NotifiedAt:  row.NotifiedAtSeconds,
		})
	}
	return views, nil
}

// WaitingEntries returns the waiting entries for a table on a date in
// first-come-first-served order.
func (s *Service) WaitingEntries(ctx context.Context, tableID int64, date string) ([]PendingNotification, error) {
	if err := s.ready(opWaitingEntries); err != nil {
		return nil, err
	}
	var pending []PendingNotification
	err := s.db.WithContext(ctx).
		Table("waitlist_entries").
		Select("waitlist_entries.id AS entry_id, waitlist_entries.user_id, users.email, users.full_name, waitlist_entries.table_id, tables.table_number, waitlist_entries.date").
		Joins("JOIN users ON users.id = waitlist_entries.user_id").
		Joins("JOIN tables ON tables.id = waitlist_entries.table_id").
		Where("waitlist_entries.table_id = ? AND waitlist_entries.date = ? AND waitlist_entries.status = ?",
			tableID, date, WaitlistWaiting).
		Order("waitlist_entries.created_at_s ASC, waitlist_entries.id ASC").
		Scan(&pending).Error
	if err != nil {
		return nil, s.fail(opWaitingEntries, reasonQueryFailed, err, zap.Int64("table_id", tableID))
	}
	return pending, nil
}

// truncateUTF8 shortens s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
