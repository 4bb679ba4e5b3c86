// Package storage defines the persistence contracts for the auth service.
package storage

import (
	"context"
	"time"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/account"
	"github.com/stephenp0320/passwordless-auth-system/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrConflict indicates a write lost to a uniqueness or single-use constraint.
var ErrConflict = errors.New(errors.CodeConflict, "record already exists")

// ErrBusy indicates a transient write contention failure that may be retried.
var ErrBusy = errors.New(errors.CodeBusy, "storage is busy")

// AccountStore persists account identity records.
type AccountStore interface {
	PutAccount(ctx context.Context, a account.Account) error
	GetAccount(ctx context.Context, accountID string) (account.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (account.Account, error)
	ListAccounts(ctx context.Context, pageSize int, pageToken string) (AccountPage, error)
}

// AccountPage describes a page of account records.
type AccountPage struct {
	Accounts      []account.Account
	NextPageToken string
}

// Credential stores a registered public-key credential for an account.
// The opaque key material lives in CredentialJSON; revocation is a soft
// delete so the row keeps witnessing the credential id.
type Credential struct {
	CredentialID   string
	AccountID      string
	CredentialJSON string
	Label          string
	Discoverable   bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
	RevokedAt      *time.Time
}

// Challenge stores one ceremony's server-side state between start and finish.
type Challenge struct {
	ID          string
	Kind        string
	AccountID   string
	SessionJSON string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// RecoveryCode stores the one-way hash of a single recovery code.
type RecoveryCode struct {
	ID        string
	AccountID string
	CodeHash  string
	BatchID   string
	CreatedAt time.Time
	UsedAt    *time.Time
}

// Session stores a durable authenticated session.
type Session struct {
	ID        string
	AccountID string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// CredentialStore persists registered credentials.
type CredentialStore interface {
	// InsertCredential adds a new credential. It returns ErrConflict when the
	// credential id already exists, regardless of owner.
	InsertCredential(ctx context.Context, credential Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	ListCredentialsByAccount(ctx context.Context, accountID string) ([]Credential, error)
	UpdateCredentialJSON(ctx context.Context, credentialID string, credentialJSON string, usedAt time.Time) error
	// RevokeCredential soft-deletes a credential. Revoking an already revoked
	// credential is a no-op; a missing credential returns ErrNotFound.
	RevokeCredential(ctx context.Context, credentialID string, revokedAt time.Time) error
}

// ChallengeStore persists ceremony challenges.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, challenge Challenge) error
	// ConsumeChallenge atomically marks a challenge consumed and returns it.
	// Exactly one concurrent caller succeeds; later callers get ErrConflict,
	// unknown ids get ErrNotFound. Expiry is NOT checked here so the caller
	// can distinguish expired from replayed.
	ConsumeChallenge(ctx context.Context, challengeID string, consumedAt time.Time) (Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

// RecoveryCodeStore persists hashed recovery codes.
type RecoveryCodeStore interface {
	InsertRecoveryCodes(ctx context.Context, codes []RecoveryCode) error
	// ListActiveRecoveryCodes returns unused codes for an account.
	ListActiveRecoveryCodes(ctx context.Context, accountID string) ([]RecoveryCode, error)
	// MarkRecoveryCodeUsed atomically flips one code to used. A code that is
	// already used returns ErrConflict; a missing id returns ErrNotFound.
	MarkRecoveryCodeUsed(ctx context.Context, codeID string, usedAt time.Time) error
	// DeleteUnusedRecoveryCodes removes the unused codes of an account, used
	// when a caller wants a single active batch.
	DeleteUnusedRecoveryCodes(ctx context.Context, accountID string) error
}

// SessionStore persists authenticated sessions.
type SessionStore interface {
	PutSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	RevokeSession(ctx context.Context, sessionID string, revokedAt time.Time) error
}
