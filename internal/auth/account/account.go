// Package account provides identity records bound to registered credentials.
package account

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/stephenp0320/passwordless-auth-system/internal/platform/errors"
	"github.com/stephenp0320/passwordless-auth-system/internal/platform/id"
)

var (
	// ErrEmptyUsername indicates a missing username.
	ErrEmptyUsername = apperrors.New(apperrors.CodeAccountEmptyUsername, "username is required")
	// ErrInvalidUsername indicates a username that does not match the required format.
	ErrInvalidUsername = apperrors.New(apperrors.CodeAccountInvalidUsername, "username must be 3-32 lowercase alphanumeric, dot, dash, or underscore characters")

	usernamePattern = regexp.MustCompile(`^[a-z0-9_.\-]{3,32}$`)
)

// Account represents an identity that owns credentials and recovery codes.
type Account struct {
	ID        string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateUsername enforces canonical username constraints. Usernames are the
// public handle for every ceremony, so the rule is deliberately strict.
func ValidateUsername(s string) error {
	if !usernamePattern.MatchString(s) {
		return ErrInvalidUsername
	}
	return nil
}

// NormalizeUsername trims and lowercases a raw username before validation.
func NormalizeUsername(raw string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(raw))
	if username == "" {
		return "", ErrEmptyUsername
	}
	if err := ValidateUsername(username); err != nil {
		return "", err
	}
	return username, nil
}

// CreateAccount creates a durable account from a validated username.
//
// This is the single point where an untrusted username becomes a stable
// identity; registration is the only path that calls it.
func CreateAccount(rawUsername string, now func() time.Time, idGenerator func() (string, error)) (Account, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	username, err := NormalizeUsername(rawUsername)
	if err != nil {
		return Account{}, err
	}

	accountID, err := idGenerator()
	if err != nil {
		return Account{}, fmt.Errorf("generate account id: %w", err)
	}

	createdAt := now().UTC()
	return Account{
		ID:        accountID,
		Username:  username,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}
