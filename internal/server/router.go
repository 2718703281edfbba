package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/auth"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/reservations"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/sweep"
	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "flavorscape_principal"

var (
	errMissingUserDirectory = errors.New("user directory dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingReservations  = errors.New("reservation service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type UserDirectory interface {
	Register(ctx context.Context, registration users.Registration) (users.User, error)
	Authenticate(ctx context.Context, email, password string) (users.User, error)
	Get(ctx context.Context, userID int64) (users.User, error)
}

type TokenManager interface {
	IssueTokenPair(ctx context.Context, principal users.Principal) (auth.TokenPair, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (string, int64, error)
	ValidateAccessToken(token string) (users.Principal, error)
	Revoke(ctx context.Context, refreshToken string) error
}

type SweepRunner interface {
	RunOnce(ctx context.Context) (sweep.Report, error)
}

type Dependencies struct {
	Users        UserDirectory
	Tokens       TokenManager
	Reservations *reservations.Service
	// Sweeper backs the staff-triggered sweep endpoint; nil disables it.
	Sweeper SweepRunner
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Users == nil {
		return nil, errMissingUserDirectory
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Reservations == nil {
		return nil, errMissingReservations
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		users:        deps.Users,
		tokens:       deps.Tokens,
		reservations: deps.Reservations,
		sweeper:      deps.Sweeper,
		logger:       logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/refresh", handler.handleRefresh)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/logout", handler.handleLogout)
	protected.DELETE("/account", handler.handleDeleteAccount)

	protected.GET("/tables/available", handler.handleListAvailableTables)
	protected.GET("/tables/all", handler.handleListTables)
	protected.POST("/tables", handler.handleCreateTable)
	protected.DELETE("/tables/:table_id", handler.handleDeleteTable)

	protected.POST("/tables/:table_id/reservations", handler.handleBook)
	protected.GET("/reservations", handler.handleListReservations)
	protected.DELETE("/reservations/:reservation_id", handler.handleCancel)

	protected.POST("/tables/:table_id/waitlist", handler.handleJoinWaitlist)
	protected.GET("/waitlist", handler.handleListWaitlist)
	protected.POST("/waitlist/:entry_id/confirm", handler.handleConfirmEntry)
	protected.DELETE("/waitlist/:entry_id", handler.handleLeaveWaitlist)

	protected.GET("/insights", handler.handleInsights)
	protected.POST("/admin/sweeps", handler.handleRunSweep)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	users        UserDirectory
	tokens       TokenManager
	reservations *reservations.Service
	sweeper      SweepRunner
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateAccessToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	// Access tokens outlive account changes; the stored row is authoritative.
	user, err := h.users.Get(c.Request.Context(), principal.UserID)
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		h.logger.Info("token subject no longer exists", zap.Int64("user_id", principal.UserID))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	case err != nil:
		h.logger.Error("failed to load token subject", zap.Int64("user_id", principal.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	case !user.IsActive:
		h.logger.Info("token subject is disabled", zap.Int64("user_id", principal.UserID))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, users.PrincipalFor(user))
	c.Next()
}

func principalFrom(c *gin.Context) users.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return users.Principal{}
	}
	principal, _ := value.(users.Principal)
	return principal
}
