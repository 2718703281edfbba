package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/auth"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/reservations"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Open connects to the configured database and brings the schema up to date.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(ctx, db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", dialector.Name()))
	}
	return db, nil
}

// Migrate creates or updates every table and applies pending one-shot migrations.
func Migrate(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	models := []interface{}{&users.User{}, &auth.RevokedToken{}, &migrationRecord{}}
	models = append(models, reservations.Models()...)
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(ctx, db, logger)
}
