package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flavorscape/internal/users"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errNonPositiveTTL       = errors.New("token ttl must be positive")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")

	// ErrInvalidToken indicates the token failed signature, claim or type checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates the token is past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrRevokedToken indicates the refresh token was blacklisted on logout.
	ErrRevokedToken = errors.New("auth: token revoked")
)

// Claims is the JWT payload shared by access and refresh tokens.
type Claims struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Staff     bool   `json:"is_staff"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Principal converts the claims into the caller identity used by services.
func (c Claims) Principal() users.Principal {
	return users.Principal{
		UserID:   c.UserID,
		Email:    c.Email,
		FullName: c.FullName,
		Staff:    c.Staff,
	}
}

// TokenIssuerConfig configures the JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Revocations   RevocationStore
	Clock         func() time.Time
}

// TokenPair is returned on login.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// TokenIssuer issues and validates HS256 access and refresh tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	revocations   RevocationStore
	clock         func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errMissingAudience
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errNonPositiveTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	revocations := cfg.Revocations
	if revocations == nil {
		revocations = noRevocations{}
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		revocations:   revocations,
		clock:         clock,
	}, nil
}

// IssueTokenPair signs an access and a refresh token for the principal.
func (i *TokenIssuer) IssueTokenPair(_ context.Context, principal users.Principal) (TokenPair, error) {
	if !principal.Authenticated() {
		return TokenPair{}, errMissingSubjectClaim
	}
	now := i.clock().UTC()

	access, err := i.sign(principal, tokenTypeAccess, now, i.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := i.sign(principal, tokenTypeRefresh, now, i.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.accessTTL.Seconds()),
	}, nil
}

// RefreshAccessToken exchanges a live refresh token for a new access token.
func (i *TokenIssuer) RefreshAccessToken(ctx context.Context, refreshToken string) (string, int64, error) {
	claims, err := i.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return "", 0, err
	}
	revoked, err := i.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return "", 0, err
	}
	if revoked {
		return "", 0, ErrRevokedToken
	}
	access, err := i.sign(claims.Principal(), tokenTypeAccess, i.clock().UTC(), i.accessTTL)
	if err != nil {
		return "", 0, err
	}
	return access, int64(i.accessTTL.Seconds()), nil
}

// ValidateAccessToken verifies an access token and returns the caller identity.
func (i *TokenIssuer) ValidateAccessToken(tokenString string) (users.Principal, error) {
	claims, err := i.parse(tokenString, tokenTypeAccess)
	if err != nil {
		return users.Principal{}, err
	}
	return claims.Principal(), nil
}

// Revoke blacklists a refresh token until its natural expiry.
func (i *TokenIssuer) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := i.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return err
	}
	expiresAt := i.clock().UTC().Add(i.refreshTTL)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return i.revocations.Revoke(ctx, claims.ID, expiresAt)
}

func (i *TokenIssuer) sign(principal users.Principal, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	tokenID, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	claims := Claims{
		UserID:    principal.UserID,
		Email:     principal.Email,
		FullName:  principal.FullName,
		Staff:     principal.Staff,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID.String(),
			Subject:   fmt.Sprintf("%d", principal.UserID),
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.signingSecret)
}

func (i *TokenIssuer) parse(tokenString, wantType string) (Claims, error) {
	trimmed := strings.TrimSpace(tokenString)
	if trimmed == "" {
		return Claims{}, ErrInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		trimmed,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TokenType != wantType {
		return Claims{}, fmt.Errorf("%w: expected %s token", ErrInvalidToken, wantType)
	}
	if claims.UserID <= 0 {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, errMissingSubjectClaim)
	}
	return *claims, nil
}
