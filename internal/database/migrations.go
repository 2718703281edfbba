package database

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/reservations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeReservationTimes = "2025-01-22_normalize_reservation_times"
	migrationRepairTableAvailability   = "2025-01-22_repair_table_availability"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(context.Context, *gorm.DB) error
}

func applyMigrations(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeReservationTimes, apply: normalizeReservationTimes},
		{name: migrationRepairTableAvailability, apply: reservations.RepairAvailability},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.WithContext(ctx).Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(ctx, db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.WithContext(ctx).Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeReservationTimes trims seconds from reservation times written as
// HH:MM:SS so slot uniqueness compares like with like.
func normalizeReservationTimes(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Model(&reservations.Reservation{}).
		Where("LENGTH(time) > ?", 5).
		Update("time", gorm.Expr("SUBSTR(time, 1, 5)")).Error
}
