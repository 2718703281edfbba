package reservations

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGetTable       = "reservations.get_table"
	opListTables     = "reservations.list_tables"
	opListAvailable  = "reservations.list_available"
	opCreateTable    = "reservations.create_table"
	opDeleteTable    = "reservations.delete_table"
	opRepairTables   = "reservations.repair_availability"
	queryTableID     = "id = ?"
	orderTableNumber = "table_number ASC"
)

// GetTable returns a table by identifier.
func (s *Service) GetTable(ctx context.Context, tableID int64) (Table, error) {
	if err := s.ready(opGetTable); err != nil {
		return Table{}, err
	}
	var table Table
	err := s.db.WithContext(ctx).Where(queryTableID, tableID).Take(&table).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Table{}, s.fail(opGetTable, "table_not_found", ErrTableNotFound)
	}
	if err != nil {
		return Table{}, s.fail(opGetTable, reasonQueryFailed, err, zap.Int64("table_id", tableID))
	}
	return table, nil
}

// ListTables returns every table.
func (s *Service) ListTables(ctx context.Context) ([]Table, error) {
	if err := s.ready(opListTables); err != nil {
		return nil, err
	}
	var tables []Table
	if err := s.db.WithContext(ctx).Order(orderTableNumber).Find(&tables).Error; err != nil {
		return nil, s.fail(opListTables, reasonQueryFailed, err)
	}
	return tables, nil
}

// ListAvailableTables returns the tables whose availability flag is set.
func (s *Service) ListAvailableTables(ctx context.Context) ([]Table, error) {
	if err := s.ready(opListAvailable); err != nil {
		return nil, err
	}
	var tables []Table
	if err := s.db.WithContext(ctx).
		Where("availability_status = ?", true).
		Order(orderTableNumber).
		Find(&tables).Error; err != nil {
		return nil, s.fail(opListAvailable, reasonQueryFailed, err)
	}
	return tables, nil
}

// CreateTable adds a new, available table. Staff only.
func (s *Service) CreateTable(ctx context.Context, principal users.Principal, number, capacity int) (Table, error) {
	if err := s.ready(opCreateTable); err != nil {
		return Table{}, err
	}
	if !principal.Staff {
		return Table{}, s.fail(opCreateTable, "staff_only", ErrStaffOnly)
	}
	if number <= 0 || capacity <= 0 {
		return Table{}, s.fail(opCreateTable, "invalid_table", ErrInvalidTable)
	}

	table := Table{
		Number:           number,
		Capacity:         capacity,
		Available:        true,
		CreatedAtSeconds: s.nowSeconds(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Table{}).Where("table_number = ?", number).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateTable
		}
		return tx.Create(&table).Error
	})
	if errors.Is(err, ErrDuplicateTable) {
		return Table{}, s.fail(opCreateTable, "duplicate_table", ErrDuplicateTable)
	}
	if err != nil {
		return Table{}, s.fail(opCreateTable, "insert_failed", err, zap.Int("table_number", number))
	}
	s.loggerOrDefault().Info("table created", zap.Int64("table_id", table.ID), zap.Int("table_number", number))
	return table, nil
}

// DeleteTable removes a table. Reservations, waitlist entries and notification
// records that pointed at it keep existing with a nil table reference. Staff only.
func (s *Service) DeleteTable(ctx context.Context, principal users.Principal, tableID int64) error {
	if err := s.ready(opDeleteTable); err != nil {
		return err
	}
	if !principal.Staff {
		return s.fail(opDeleteTable, "staff_only", ErrStaffOnly)
	}

	release, err := s.locker.Acquire(ctx, tableLockKey(tableID))
	if err != nil {
		return s.fail(opDeleteTable, reasonLockFailed, err, zap.Int64("table_id", tableID))
	}
	defer release()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var table Table
		if err := lockTable(tx, tableID, &table); err != nil {
			return err
		}
		for _, model := range []interface{}{&Reservation{}, &WaitlistEntry{}, &NotificationAttempt{}} {
			if err := tx.Model(model).Where("table_id = ?", tableID).Update("table_id", nil).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&Table{}, tableID).Error
	})
	if errors.Is(err, ErrTableNotFound) {
		return s.fail(opDeleteTable, "table_not_found", ErrTableNotFound)
	}
	if err != nil {
		return s.fail(opDeleteTable, "delete_failed", err, zap.Int64("table_id", tableID))
	}
	s.loggerOrDefault().Info("table deleted", zap.Int64("table_id", tableID))
	return nil
}

// lockTable loads a table inside tx with a row lock where the dialect has one.
func lockTable(tx *gorm.DB, tableID int64, table *Table) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryTableID, tableID).Take(table).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTableNotFound
	}
	return err
}

// setAvailability flips the flag only when it currently holds the opposite
// value and reports whether the row changed. Callers must hold the table lock
// and run inside the transaction that changes the referencing reservation.
func setAvailability(tx *gorm.DB, tableID int64, value bool) (bool, error) {
	result := tx.Model(&Table{}).
		Where("id = ? AND availability_status = ?", tableID, !value).
		Update("availability_status", value)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RepairAvailability recomputes every table's flag from the booked
// reservations referencing it.
func RepairAvailability(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return newServiceError(opRepairTables, reasonMissingDatabase, errMissingDatabase)
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		booked := tx.Model(&Reservation{}).
			Select("table_id").
			Where("status = ? AND table_id IS NOT NULL", ReservationBooked)
		if err := tx.Model(&Table{}).
			Where("id IN (?)", booked).
			Update("availability_status", false).Error; err != nil {
			return err
		}
		return tx.Model(&Table{}).
			Where("id NOT IN (?)", booked).
			Update("availability_status", true).Error
	})
}
