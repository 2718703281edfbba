// Package sweep matches tables that became available with the diners waiting
// for them and notifies those diners.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/locks"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/notify"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/reservations"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PolicyAll notifies every waiting entry of an available table.
	PolicyAll = "all"
	// PolicyHead notifies only the earliest waiting entry per table.
	PolicyHead = "head"

	NotificationSubject = "Table Available Notification"

	lockKey              = "sweep"
	defaultNotifyTimeout = 10 * time.Second

	resultCompleted = "completed"
	resultSkipped   = "skipped"
	resultFailed    = "failed"
	resultLockError = "lock_error"

	outcomeDelivered = "delivered"
	outcomeFailed    = "failed"
)

// ErrAlreadyRunning is returned when another sweep holds the sweep lock.
var ErrAlreadyRunning = errors.New("sweep: another run is in progress")

// Store is the slice of the reservation service the sweep reads and writes.
type Store interface {
	Today() string
	ListAvailableTables(ctx context.Context) ([]reservations.Table, error)
	WaitingEntries(ctx context.Context, tableID int64, date string) ([]reservations.PendingNotification, error)
	MarkNotified(ctx context.Context, entryID int64) (bool, error)
	RecordDeliveryFailure(ctx context.Context, entryID int64, cause error) error
}

// Observer receives sweep outcomes for metrics.
type Observer interface {
	ObserveSweepRun(result string, tables int, duration time.Duration)
	ObserveNotification(outcome string)
}

type noOpObserver struct{}

func (noOpObserver) ObserveSweepRun(string, int, time.Duration) {}
func (noOpObserver) ObserveNotification(string)                 {}

// Config wires a Sweeper.
type Config struct {
	Store         Store
	Gateway       notify.Gateway
	Locker        locks.Locker
	Logger        *zap.Logger
	Observer      Observer
	NotifyTimeout time.Duration
	Policy        string
	Clock         func() time.Time
}

// Report summarizes one run.
type Report struct {
	RunID         string `json:"run_id"`
	Date          string `json:"date"`
	TablesScanned int    `json:"tables_scanned"`
	Notified      int    `json:"notified"`
	Failed        int    `json:"failed"`
	Errors        int    `json:"errors"`
}

// Sweeper runs availability sweeps. At most one run is active at a time
// across every process sharing the locker.
type Sweeper struct {
	store         Store
	gateway       notify.Gateway
	locker        locks.Locker
	logger        *zap.Logger
	observer      Observer
	notifyTimeout time.Duration
	policy        string
	clock         func() time.Time
}

func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("sweep: store is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("sweep: notification gateway is required")
	}
	policy := strings.ToLower(strings.TrimSpace(cfg.Policy))
	switch policy {
	case "":
		policy = PolicyAll
	case PolicyAll, PolicyHead:
	default:
		return nil, fmt.Errorf("sweep: unsupported notify policy %q", cfg.Policy)
	}
	locker := cfg.Locker
	if locker == nil {
		locker = locks.NewLocalLocker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noOpObserver{}
	}
	timeout := cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{
		store:         cfg.Store,
		gateway:       cfg.Gateway,
		locker:        locker,
		logger:        logger,
		observer:      observer,
		notifyTimeout: timeout,
		policy:        policy,
		clock:         clock,
	}, nil
}

// NotificationBody renders the message sent to a waiting diner.
func NotificationBody(fullName string, tableNumber int, date string) string {
	return fmt.Sprintf("Dear %s,\n\nA table (Table %d) is now available on %s.\nPlease log in to confirm your reservation.",
		fullName, tableNumber, date)
}

// RunOnce performs a single sweep. Delivery failures are recorded and leave
// the entry waiting for the next run; they never abort the batch.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	started := s.clock()
	release, err := s.locker.TryAcquire(ctx, lockKey)
	if errors.Is(err, locks.ErrNotAcquired) {
		s.logger.Info("availability sweep skipped, another run is in progress")
		s.observer.ObserveSweepRun(resultSkipped, 0, 0)
		return Report{}, ErrAlreadyRunning
	}
	if err != nil {
		s.observer.ObserveSweepRun(resultLockError, 0, 0)
		return Report{}, fmt.Errorf("sweep: acquire lock: %w", err)
	}
	defer release()

	report := Report{RunID: newRunID(), Date: s.store.Today()}
	logger := s.logger.With(zap.String("run_id", report.RunID), zap.String("date", report.Date))

	tables, err := s.store.ListAvailableTables(ctx)
	if err != nil {
		logger.Error("availability sweep failed to list tables", zap.Error(err))
		s.observer.ObserveSweepRun(resultFailed, 0, s.clock().Sub(started))
		return report, err
	}
	report.TablesScanned = len(tables)
	if len(tables) == 0 {
		logger.Info("availability sweep found no available tables")
		s.observer.ObserveSweepRun(resultCompleted, 0, s.clock().Sub(started))
		return report, nil
	}

	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			s.observer.ObserveSweepRun(resultFailed, len(tables), s.clock().Sub(started))
			return report, err
		}
		s.sweepTable(ctx, logger, table, &report)
	}

	logger.Info("availability sweep completed",
		zap.Int("tables", report.TablesScanned),
		zap.Int("notified", report.Notified),
		zap.Int("failed", report.Failed),
		zap.Int("errors", report.Errors),
	)
	s.observer.ObserveSweepRun(resultCompleted, len(tables), s.clock().Sub(started))
	return report, nil
}

func (s *Sweeper) sweepTable(ctx context.Context, logger *zap.Logger, table reservations.Table, report *Report) {
	entries, err := s.store.WaitingEntries(ctx, table.ID, report.Date)
	if err != nil {
		report.Errors++
		logger.Error("availability sweep failed to load waitlist", zap.Int64("table_id", table.ID), zap.Error(err))
		return
	}
	if s.policy == PolicyHead && len(entries) > 1 {
		entries = entries[:1]
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		fields := []zap.Field{
			zap.Int64("entry_id", entry.EntryID),
			zap.Int64("user_id", entry.UserID),
			zap.Int("table_number", entry.TableNumber),
		}

		sendErr := s.send(ctx, entry)
		if sendErr != nil {
			report.Failed++
			s.observer.ObserveNotification(outcomeFailed)
			logger.Warn("waitlist notification failed", append(fields, zap.Error(sendErr))...)
			if err := s.store.RecordDeliveryFailure(ctx, entry.EntryID, sendErr); err != nil {
				report.Errors++
				logger.Error("failed to record delivery failure", append(fields, zap.Error(err))...)
			}
			continue
		}

		s.observer.ObserveNotification(outcomeDelivered)
		transitioned, err := s.store.MarkNotified(ctx, entry.EntryID)
		if err != nil {
			report.Errors++
			logger.Error("failed to mark entry notified", append(fields, zap.Error(err))...)
			continue
		}
		if transitioned {
			report.Notified++
			logger.Debug("waitlist entry notified", fields...)
		}
	}
}

func (s *Sweeper) send(ctx context.Context, entry reservations.PendingNotification) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	body := NotificationBody(entry.FullName, entry.TableNumber, entry.Date)
	if err := s.gateway.Send(sendCtx, entry.Email, NotificationSubject, body); err != nil {
		return fmt.Errorf("%w: %w", reservations.ErrDeliveryFailure, err)
	}
	return nil
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
