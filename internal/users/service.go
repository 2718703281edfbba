package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	minPasswordLength = 8
	maxFullNameLength = 30
)

var (
	// ErrInvalidRegistration indicates the registration payload failed validation.
	ErrInvalidRegistration = errors.New("users: invalid registration")
	// ErrEmailTaken indicates another account already uses the email address.
	ErrEmailTaken = errors.New("users: a user with this email already exists")
	// ErrInvalidCredentials indicates the email/password pair did not match.
	ErrInvalidCredentials = errors.New("users: invalid email or password")
	// ErrAccountDisabled indicates the account exists but may not sign in.
	ErrAccountDisabled = errors.New("users: user account is disabled")
	// ErrUserNotFound indicates no account exists for the identifier.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	Logger       *zap.Logger
	PasswordCost int
}

// Service registers and authenticates users.
type Service struct {
	db           *gorm.DB
	now          func() time.Time
	logger       *zap.Logger
	passwordCost int
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cost := cfg.PasswordCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		db:           cfg.Database,
		now:          clock,
		logger:       logger,
		passwordCost: cost,
	}, nil
}

// Registration carries the fields accepted when creating an account.
type Registration struct {
	Email    string
	FullName string
	Password string
	Staff    bool
}

// Register validates the registration and stores a new active account.
func (s *Service) Register(ctx context.Context, registration Registration) (User, error) {
	email := normalizeEmail(registration.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return User{}, fmt.Errorf("%w: email is invalid", ErrInvalidRegistration)
	}
	fullName := strings.TrimSpace(registration.FullName)
	if len(fullName) > maxFullNameLength {
		return User{}, fmt.Errorf("%w: full name exceeds %d characters", ErrInvalidRegistration, maxFullNameLength)
	}
	if len(registration.Password) < minPasswordLength {
		return User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRegistration, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(registration.Password), s.passwordCost)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}

	user := User{
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(hash),
		IsStaff:      registration.Staff,
		IsActive:     true,
		DateJoined:   s.now().UTC(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&User{}).Where("email = ?", email).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrEmailTaken
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		if !errors.Is(err, ErrEmailTaken) {
			s.logger.Error("user registration failed", zap.String("email", email), zap.Error(err))
		}
		return User{}, err
	}

	s.logger.Info("user registered", zap.Int64("user_id", user.ID), zap.Bool("staff", user.IsStaff))
	return user, nil
}

// Authenticate checks the email/password pair and returns the account.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return User{}, ErrAccountDisabled
	}
	return user, nil
}

// Get loads an account by identifier.
func (s *Service) Get(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// SetActive enables or disables sign-in for an account.
func (s *Service) SetActive(ctx context.Context, userID int64, active bool) error {
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
