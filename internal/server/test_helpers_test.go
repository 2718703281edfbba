package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/auth"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/database"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/locks"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/metrics"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/reservations"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/sweep"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, time.January, 22, 12, 0, 0, 0, time.UTC)

const (
	testToday    = "2025-01-22"
	testPassword = "correct-horse"
)

type recordingGateway struct {
	mu         sync.Mutex
	recipients []string
}

func (g *recordingGateway) Send(_ context.Context, to, _, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recipients = append(g.recipients, to)
	return nil
}

func (g *recordingGateway) sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.recipients...)
}

type testStack struct {
	handler http.Handler
	db      *gorm.DB
	gateway *recordingGateway
}

type stackOptions struct {
	withoutSweeper bool
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	return newTestStackWith(t, stackOptions{})
}

func newTestStackWith(t *testing.T, options stackOptions) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.Open(context.Background(), "sqlite", dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	userService, err := users.NewService(users.ServiceConfig{Database: db, PasswordCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "flavorscape-auth",
		Audience:      "flavorscape-api",
		AccessTTL:     30 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		Revocations:   auth.NewGormRevocationStore(db),
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	recorder := metrics.NewRecorder()
	locker := locks.NewLocalLocker()
	reservationService, err := reservations.NewService(reservations.ServiceConfig{
		Database: db,
		Locker:   locker,
		Clock:    func() time.Time { return testNow },
		Observer: recorder,
	})
	if err != nil {
		t.Fatalf("failed to create reservation service: %v", err)
	}

	gateway := &recordingGateway{}
	deps := Dependencies{
		Users:        userService,
		Tokens:       issuer,
		Reservations: reservationService,
		Metrics:      recorder.Handler(),
	}
	if !options.withoutSweeper {
		sweeper, err := sweep.New(sweep.Config{
			Store:    reservationService,
			Gateway:  gateway,
			Locker:   locker,
			Observer: recorder,
		})
		if err != nil {
			t.Fatalf("failed to create sweeper: %v", err)
		}
		deps.Sweeper = sweeper
	}

	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testStack{handler: handler, db: db, gateway: gateway}
}

func (s *testStack) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

// signUp registers an account and returns its login response.
func (s *testStack) signUp(t *testing.T, email string, staff bool) loginResponsePayload {
	t.Helper()
	registration := s.do(t, http.MethodPost, "/auth/register", "", registerRequestPayload{
		Email:    email,
		FullName: "Guest " + email,
		Password: testPassword,
	})
	if registration.Code != http.StatusCreated {
		t.Fatalf("registration failed: %d %s", registration.Code, registration.Body.String())
	}
	if staff {
		if err := s.db.Model(&users.User{}).Where("email = ?", email).Update("is_staff", true).Error; err != nil {
			t.Fatalf("failed to promote staff: %v", err)
		}
	}
	login := s.do(t, http.MethodPost, "/auth/login", "", loginRequestPayload{Email: email, Password: testPassword})
	if login.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", login.Code, login.Body.String())
	}
	var response loginResponsePayload
	decodeBody(t, login, &response)
	return response
}

func (s *testStack) createTable(t *testing.T, staffToken string, number int) tablePayload {
	t.Helper()
	response := s.do(t, http.MethodPost, "/tables", staffToken, createTableRequestPayload{TableNumber: number, Capacity: 4})
	if response.Code != http.StatusCreated {
		t.Fatalf("table creation failed: %d %s", response.Code, response.Body.String())
	}
	var table tablePayload
	decodeBody(t, response, &table)
	return table
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
}

func errorReason(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, recorder, &body)
	return body.Error
}
