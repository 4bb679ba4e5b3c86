// Package session issues and validates bearer sessions minted after a
// successful ceremony.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
	"github.com/stephenp0320/passwordless-auth-system/internal/platform/config"
	apperrors "github.com/stephenp0320/passwordless-auth-system/internal/platform/errors"
	"github.com/stephenp0320/passwordless-auth-system/internal/platform/id"
)

// DefaultTTL bounds how long a minted session stays valid.
const DefaultTTL = 24 * time.Hour

var (
	// ErrSessionExpired covers revoked and past-expiry sessions.
	ErrSessionExpired = apperrors.New(apperrors.CodeSessionExpired, "session expired")
	// ErrSessionUnknown covers malformed tokens and sessions with no record.
	ErrSessionUnknown = apperrors.New(apperrors.CodeSessionUnknown, "session unknown")
)

// Config holds the token signing settings.
type Config struct {
	Secret string        `env:"SESSION_SECRET"`
	TTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`
}

// LoadConfigFromEnv reads session settings from the environment.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{}
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse session config: %w", err)
	}
	return cfg, nil
}

// Claims is the signed token payload. The session id doubles as the JWT id so
// revocation checks hit the session row directly.
type Claims struct {
	jwt.RegisteredClaims
	AccountID string `json:"account_id"`
}

// Issuer mints signed session tokens backed by revocable session rows.
type Issuer struct {
	store      storage.SessionStore
	clock      func() time.Time
	generateID func() (string, error)
	secret     []byte
	ttl        time.Duration
}

// NewIssuer creates a session issuer. The secret signs every token; rotating
// it invalidates all outstanding sessions.
func NewIssuer(store storage.SessionStore, secret string, ttl time.Duration) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		store:      store,
		clock:      time.Now,
		generateID: id.NewID,
		secret:     []byte(secret),
		ttl:        ttl,
	}, nil
}

// WithClock overrides the time source. Used by tests.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// WithIDGenerator overrides the id source. Used by tests.
func (i *Issuer) WithIDGenerator(generateID func() (string, error)) *Issuer {
	i.generateID = generateID
	return i
}

// Issue mints a session for an authenticated account and returns the signed
// bearer token.
func (i *Issuer) Issue(ctx context.Context, accountID string) (storage.Session, string, error) {
	if i == nil || i.store == nil {
		return storage.Session{}, "", fmt.Errorf("session issuer is not configured")
	}
	if strings.TrimSpace(accountID) == "" {
		return storage.Session{}, "", fmt.Errorf("account id is required")
	}

	sessionID, err := i.generateID()
	if err != nil {
		return storage.Session{}, "", fmt.Errorf("generate session id: %w", err)
	}

	now := i.clock().UTC()
	session := storage.Session{
		ID:        sessionID,
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(i.ttl),
	}
	if err := i.store.PutSession(ctx, session); err != nil {
		return storage.Session{}, "", fmt.Errorf("put session: %w", err)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
		AccountID: accountID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return storage.Session{}, "", fmt.Errorf("sign session token: %w", err)
	}
	return session, token, nil
}

// Validate checks a bearer token's signature and the live state of its
// session row. Revoked and expired sessions fail even with a valid signature.
func (i *Issuer) Validate(ctx context.Context, token string) (storage.Session, error) {
	if i == nil || i.store == nil {
		return storage.Session{}, fmt.Errorf("session issuer is not configured")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.clock))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return storage.Session{}, ErrSessionExpired
		}
		return storage.Session{}, ErrSessionUnknown
	}
	if !parsed.Valid || claims.ID == "" {
		return storage.Session{}, ErrSessionUnknown
	}

	session, err := i.store.GetSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Session{}, ErrSessionUnknown
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	if session.RevokedAt != nil {
		return storage.Session{}, ErrSessionExpired
	}
	if i.clock().UTC().After(session.ExpiresAt) {
		return storage.Session{}, ErrSessionExpired
	}
	if session.AccountID != claims.AccountID {
		return storage.Session{}, ErrSessionUnknown
	}
	return session, nil
}

// Revoke invalidates a session immediately.
func (i *Issuer) Revoke(ctx context.Context, sessionID string) error {
	if i == nil || i.store == nil {
		return fmt.Errorf("session issuer is not configured")
	}
	if err := i.store.RevokeSession(ctx, sessionID, i.clock().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionUnknown
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}
