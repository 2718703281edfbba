package auth

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RevocationStore remembers refresh tokens that were blacklisted on logout.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RevokedToken is a blacklisted refresh token identifier.
type RevokedToken struct {
	TokenID          string `gorm:"column:token_id;primaryKey;size:64;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (RevokedToken) TableName() string {
	return "revoked_tokens"
}

type gormRevocationStore struct {
	db *gorm.DB
}

// NewGormRevocationStore persists revocations in the revoked_tokens table.
func NewGormRevocationStore(db *gorm.DB) RevocationStore {
	return &gormRevocationStore{db: db}
}

func (s *gormRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return ErrInvalidToken
	}
	record := RevokedToken{TokenID: tokenID, ExpiresAtSeconds: expiresAt.Unix()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

func (s *gormRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var record RevokedToken
	err := s.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type noRevocations struct{}

func (noRevocations) Revoke(context.Context, string, time.Time) error { return nil }

func (noRevocations) IsRevoked(context.Context, string) (bool, error) { return false, nil }
