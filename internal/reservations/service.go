package reservations

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/locks"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "reservations.service.new"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonLockFailed      = "lock_failed"
)

// Observer receives booking lifecycle outcomes for metrics.
type Observer interface {
	ObserveReservation(outcome string)
	ObserveWaitlist(outcome string)
}

type noOpObserver struct{}

func (noOpObserver) ObserveReservation(string) {}
func (noOpObserver) ObserveWaitlist(string)    {}

// ServiceConfig wires the reservation service.
type ServiceConfig struct {
	Database *gorm.DB
	// Locker serializes availability changes per table. Defaults to an
	// in-process keyed mutex.
	Locker   locks.Locker
	Clock    func() time.Time
	Location *time.Location
	Logger   *zap.Logger
	Observer Observer
}

// Service owns the table registry, the reservation ledger and the waitlist
// queue. It is the only writer of a table's availability flag.
type Service struct {
	db       *gorm.DB
	locker   locks.Locker
	clock    func() time.Time
	location *time.Location
	logger   *zap.Logger
	observer Observer
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	locker := cfg.Locker
	if locker == nil {
		locker = locks.NewLocalLocker()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noOpObserver{}
	}
	return &Service{
		db:       cfg.Database,
		locker:   locker,
		clock:    clock,
		location: location,
		logger:   logger,
		observer: observer,
	}, nil
}

// Today returns the service's current calendar date.
func (s *Service) Today() string {
	return s.clock().In(s.location).Format(dateLayout)
}

func (s *Service) nowSeconds() int64 {
	return s.clock().UTC().Unix()
}

func tableLockKey(tableID int64) string {
	return fmt.Sprintf("table:%d", tableID)
}

// userLockKey guards a user's bookings and waitlist entries against a
// concurrent RemoveUser. It is always taken before any table lock.
func userLockKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// requireUser fails with ErrUserNotFound when the account no longer exists.
func requireUser(tx *gorm.DB, userID int64) error {
	var count int64
	if err := tx.Model(&users.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Service) ready(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("reservations service error", attrs...)
}

// fail wraps err in a ServiceError. Expected domain rejections are returned
// quietly; anything else is logged as an internal failure first.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	if Reason(err) == "" {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err)
}
