package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/locks"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/reservations"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, time.January, 22, 12, 0, 0, 0, time.UTC)

const testToday = "2025-01-22"

type sentMessage struct {
	to      string
	subject string
	body    string
}

type stubGateway struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]error
	block   bool
}

func (g *stubGateway) Send(ctx context.Context, to, subject, body string) error {
	g.mu.Lock()
	g.sent = append(g.sent, sentMessage{to: to, subject: subject, body: body})
	failure := g.failFor[to]
	block := g.block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return failure
}

func (g *stubGateway) recipients() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	recipients := make([]string, 0, len(g.sent))
	for _, message := range g.sent {
		recipients = append(recipients, message.to)
	}
	return recipients
}

type fixture struct {
	db       *gorm.DB
	service  *reservations.Service
	gateway  *stubGateway
	locker   *locks.LocalLocker
	logs     *observer.ObservedLogs
	logger   *zap.Logger
	staff    users.Principal
	sequence int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:sweep_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(append([]interface{}{&users.User{}}, reservations.Models()...)...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	locker := locks.NewLocalLocker()
	service, err := reservations.NewService(reservations.ServiceConfig{
		Database: db,
		Locker:   locker,
		Clock:    func() time.Time { return testNow },
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to create reservation service: %v", err)
	}

	f := &fixture{
		db:      db,
		service: service,
		gateway: &stubGateway{failFor: map[string]error{}},
		locker:  locker,
		logs:    logs,
		logger:  logger,
	}
	f.staff = f.user(t, "staff@flavorscape.com", "Staff", true)
	return f
}

func (f *fixture) user(t *testing.T, email, fullName string, staff bool) users.Principal {
	t.Helper()
	user := users.User{Email: email, FullName: fullName, PasswordHash: "hash", IsStaff: staff, IsActive: true, DateJoined: testNow}
	if err := f.db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return users.PrincipalFor(user)
}

func (f *fixture) table(t *testing.T) reservations.Table {
	t.Helper()
	f.sequence++
	table, err := f.service.CreateTable(context.Background(), f.staff, f.sequence, 4)
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	return table
}

func (f *fixture) join(t *testing.T, principal users.Principal, tableID int64, date string) int64 {
	t.Helper()
	entry, err := f.service.JoinWaitlist(context.Background(), principal, tableID, date)
	if err != nil {
		t.Fatalf("failed to join waitlist: %v", err)
	}
	return entry.ID
}

func (f *fixture) status(t *testing.T, entryID int64) reservations.WaitlistStatus {
	t.Helper()
	var entry reservations.WaitlistEntry
	if err := f.db.Where("id = ?", entryID).Take(&entry).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	return entry.Status
}

func (f *fixture) sweeper(t *testing.T, cfg Config) *Sweeper {
	t.Helper()
	cfg.Store = f.service
	cfg.Gateway = f.gateway
	cfg.Locker = f.locker
	cfg.Logger = f.logger
	sweeper, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create sweeper: %v", err)
	}
	return sweeper
}

func TestSweepNotifiesWaitingEntriesAndKeepsFailuresWaiting(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice@example.com", "Alice", false)
	bob := f.user(t, "bob@example.com", "Bob", false)
	table := f.table(t)
	aliceEntry := f.join(t, alice, table.ID, testToday)
	bobEntry := f.join(t, bob, table.ID, testToday)
	f.gateway.failFor["alice@example.com"] = errors.New("mailbox full")

	report, err := f.sweeper(t, Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if recipients := f.gateway.recipients(); len(recipients) != 2 {
		t.Fatalf("expected two gateway calls, got %v", recipients)
	}
	if f.status(t, aliceEntry) != reservations.WaitlistWaiting {
		t.Fatalf("failed recipient must stay waiting")
	}
	if f.status(t, bobEntry) != reservations.WaitlistNotified {
		t.Fatalf("successful recipient must be notified")
	}
	if report.TablesScanned != 1 || report.Notified != 1 || report.Failed != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report: %#v", report)
	}
	if report.RunID == "" || report.Date != testToday {
		t.Fatalf("expected run id and date, got %#v", report)
	}

	var failures int64
	if err := f.db.Model(&reservations.NotificationAttempt{}).
		Where("entry_id = ? AND outcome = ?", aliceEntry, reservations.NotificationFailed).
		Count(&failures).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if failures != 1 {
		t.Fatalf("expected one recorded failure, got %d", failures)
	}
	if f.logs.FilterMessage("waitlist notification failed").Len() != 1 {
		t.Fatalf("expected a warning for the failed delivery")
	}
	completed := f.logs.FilterMessage("availability sweep completed").All()
	if len(completed) != 1 || completed[0].ContextMap()["run_id"] != report.RunID {
		t.Fatalf("expected completion log carrying the run id")
	}
}

func TestSweepRetriesFailedEntriesOnNextRun(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice@example.com", "Alice", false)
	bob := f.user(t, "bob@example.com", "Bob", false)
	table := f.table(t)
	aliceEntry := f.join(t, alice, table.ID, testToday)
	f.join(t, bob, table.ID, testToday)
	f.gateway.failFor["alice@example.com"] = errors.New("temporary failure")
	sweeper := f.sweeper(t, Config{})

	if _, err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	delete(f.gateway.failFor, "alice@example.com")
	report, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}

	recipients := f.gateway.recipients()
	if len(recipients) != 3 || recipients[2] != "alice@example.com" {
		t.Fatalf("expected only alice to be retried, got %v", recipients)
	}
	if report.Notified != 1 || f.status(t, aliceEntry) != reservations.WaitlistNotified {
		t.Fatalf("expected alice notified on retry, report %#v", report)
	}
}

func TestSweepMessageContent(t *testing.T) {
	f := newFixture(t)
	ada := f.user(t, "ada@example.com", "Ada Lovelace", false)
	table := f.table(t)
	f.join(t, ada, table.ID, testToday)

	if _, err := f.sweeper(t, Config{}).RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	f.gateway.mu.Lock()
	defer f.gateway.mu.Unlock()
	if len(f.gateway.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(f.gateway.sent))
	}
	message := f.gateway.sent[0]
	if message.subject != "Table Available Notification" {
		t.Fatalf("unexpected subject %q", message.subject)
	}
	expected := "Dear Ada Lovelace,\n\nA table (Table 1) is now available on 2025-01-22.\nPlease log in to confirm your reservation."
	if message.body != expected {
		t.Fatalf("unexpected body %q", message.body)
	}
}

func TestSweepIsNoOpWithoutAvailableTables(t *testing.T) {
	f := newFixture(t)
	diner := f.user(t, "diner@example.com", "Diner", false)
	waiting := f.user(t, "waiting@example.com", "Waiting", false)
	table := f.table(t)
	if _, err := f.service.Book(context.Background(), diner, table.ID, reservations.BookingRequest{Date: testToday, Time: "20:00"}); err != nil {
		t.Fatalf("book failed: %v", err)
	}
	entry := f.join(t, waiting, table.ID, testToday)

	report, err := f.sweeper(t, Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(f.gateway.recipients()) != 0 {
		t.Fatalf("expected no gateway calls")
	}
	if f.status(t, entry) != reservations.WaitlistWaiting {
		t.Fatalf("expected no state change")
	}
	if report.TablesScanned != 0 || report.Notified != 0 {
		t.Fatalf("unexpected report: %#v", report)
	}
	if f.logs.FilterMessage("availability sweep found no available tables").FilterLevelExact(zapcore.InfoLevel).Len() != 1 {
		t.Fatalf("expected informational no-op log")
	}
}

func TestSweepOnlyConsidersTodaysWaitingEntries(t *testing.T) {
	f := newFixture(t)
	diner := f.user(t, "diner@example.com", "Diner", false)
	table := f.table(t)
	tomorrow := f.join(t, diner, table.ID, "2025-01-23")

	report, err := f.sweeper(t, Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(f.gateway.recipients()) != 0 || report.Notified != 0 {
		t.Fatalf("entries for other dates must be ignored")
	}
	if f.status(t, tomorrow) != reservations.WaitlistWaiting {
		t.Fatalf("expected entry to stay waiting")
	}
}

func TestSweepHeadPolicyNotifiesEarliestEntry(t *testing.T) {
	f := newFixture(t)
	first := f.user(t, "first@example.com", "First", false)
	second := f.user(t, "second@example.com", "Second", false)
	table := f.table(t)
	firstEntry := f.join(t, first, table.ID, testToday)
	secondEntry := f.join(t, second, table.ID, testToday)

	if _, err := f.sweeper(t, Config{Policy: PolicyHead}).RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if f.status(t, firstEntry) != reservations.WaitlistNotified {
		t.Fatalf("expected head of queue notified")
	}
	if f.status(t, secondEntry) != reservations.WaitlistWaiting {
		t.Fatalf("expected rest of queue waiting")
	}
}

func TestSweepTimesOutSlowDeliveries(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice@example.com", "Alice", false)
	bob := f.user(t, "bob@example.com", "Bob", false)
	table := f.table(t)
	aliceEntry := f.join(t, alice, table.ID, testToday)
	bobEntry := f.join(t, bob, table.ID, testToday)
	f.gateway.block = true

	report, err := f.sweeper(t, Config{NotifyTimeout: 20 * time.Millisecond}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.Failed != 2 || len(f.gateway.recipients()) != 2 {
		t.Fatalf("expected both deliveries to time out, report %#v", report)
	}
	if f.status(t, aliceEntry) != reservations.WaitlistWaiting || f.status(t, bobEntry) != reservations.WaitlistWaiting {
		t.Fatalf("timed out entries must stay waiting")
	}
}

func TestSweepSkipsWhenAnotherRunHoldsTheLock(t *testing.T) {
	f := newFixture(t)
	diner := f.user(t, "diner@example.com", "Diner", false)
	table := f.table(t)
	entry := f.join(t, diner, table.ID, testToday)

	release, err := f.locker.TryAcquire(context.Background(), lockKey)
	if err != nil {
		t.Fatalf("failed to hold sweep lock: %v", err)
	}
	_, err = f.sweeper(t, Config{}).RunOnce(context.Background())
	release()

	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
	if len(f.gateway.recipients()) != 0 || f.status(t, entry) != reservations.WaitlistWaiting {
		t.Fatalf("skipped run must not notify")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t)
	if _, err := New(Config{Gateway: f.gateway}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := New(Config{Store: f.service}); err == nil {
		t.Fatalf("expected error without gateway")
	}
	if _, err := New(Config{Store: f.service, Gateway: f.gateway, Policy: "random"}); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

type recordingObserver struct {
	runs          []string
	notifications []string
}

func (o *recordingObserver) ObserveSweepRun(result string, _ int, _ time.Duration) {
	o.runs = append(o.runs, result)
}

func (o *recordingObserver) ObserveNotification(outcome string) {
	o.notifications = append(o.notifications, outcome)
}

func TestSweepReportsToObserver(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice@example.com", "Alice", false)
	bob := f.user(t, "bob@example.com", "Bob", false)
	table := f.table(t)
	f.join(t, alice, table.ID, testToday)
	f.join(t, bob, table.ID, testToday)
	f.gateway.failFor["bob@example.com"] = errors.New("rejected")
	recorder := &recordingObserver{}

	if _, err := f.sweeper(t, Config{Observer: recorder}).RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(recorder.runs) != 1 || recorder.runs[0] != resultCompleted {
		t.Fatalf("unexpected runs: %v", recorder.runs)
	}
	if len(recorder.notifications) != 2 || recorder.notifications[0] != outcomeDelivered || recorder.notifications[1] != outcomeFailed {
		t.Fatalf("unexpected notifications: %v", recorder.notifications)
	}
}
