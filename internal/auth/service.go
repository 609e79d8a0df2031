package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatbotgo/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken covers every reason a bearer token is refused.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the identity carried by a signed token.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Service issues and verifies HS256 tokens and tracks logged-out token ids.
type Service struct {
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
	revoker  Revoker
	parser   *jwt.Parser
}

type Option func(*Service)

// WithClock replaces time.Now for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRevoker enables logout support backed by r.
func WithRevoker(r Revoker) Option {
	return func(s *Service) { s.revoker = r }
}

// NewService constructs an auth service with the supplied signing secret and token lifetime.
func NewService(secret string, ttl time.Duration, opts ...Option) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &Service{
		secret:   []byte(secret),
		tokenTTL: ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	return s
}

// IssueToken signs a token for user valid for the configured lifetime.
func (s *Service) IssueToken(user *models.User) (string, error) {
	if user == nil || user.ID == "" {
		return "", errors.New("invalid user")
	}
	now := s.now()
	claims := Claims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and validity window of raw and returns its claims.
// It has no side effects; revocation is checked separately.
func (s *Service) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// Revoke marks the token identified by claims as logged out until it expires.
func (s *Service) Revoke(ctx context.Context, claims *Claims) error {
	if s.revoker == nil || claims == nil || claims.ID == "" {
		return nil
	}
	var until time.Time
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	if !until.After(s.now()) {
		return nil
	}
	if err := s.revoker.Revoke(ctx, claims.ID, until); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token id was logged out.
func (s *Service) IsRevoked(ctx context.Context, claims *Claims) (bool, error) {
	if s.revoker == nil || claims == nil || claims.ID == "" {
		return false, nil
	}
	return s.revoker.IsRevoked(ctx, claims.ID)
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
