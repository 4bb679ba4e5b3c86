// Package credential manages the lifecycle of registered passkeys.
package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
	apperrors "github.com/stephenp0320/passwordless-auth-system/internal/platform/errors"
)

var (
	errDuplicate = apperrors.New(apperrors.CodeCredentialDuplicate, "credential already registered")
	errNotFound  = apperrors.New(apperrors.CodeCredentialNotFound, "credential not found")
	errNotOwner  = apperrors.New(apperrors.CodeCredentialNotOwner, "credential belongs to another account")
)

// Registry persists passkeys and enforces ownership on mutations.
type Registry struct {
	store storage.CredentialStore
	clock func() time.Time
}

// NewRegistry creates a credential registry backed by the given store.
func NewRegistry(store storage.CredentialStore) *Registry {
	return &Registry{store: store, clock: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// EncodeCredentialID converts a raw authenticator credential id to its stable
// storage and wire form.
func EncodeCredentialID(rawID []byte) string {
	return base64.RawURLEncoding.EncodeToString(rawID)
}

// DecodeCredentialID reverses EncodeCredentialID.
func DecodeCredentialID(encoded string) ([]byte, error) {
	rawID, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode credential id: %w", err)
	}
	return rawID, nil
}

// Register stores a freshly attested credential for an account. Registering
// the same authenticator credential twice fails with a duplicate error, for
// any account.
func (r *Registry) Register(ctx context.Context, accountID string, cred *webauthn.Credential, label string, discoverable bool) (storage.Credential, error) {
	if r == nil || r.store == nil {
		return storage.Credential{}, fmt.Errorf("credential registry is not configured")
	}
	if cred == nil || len(cred.ID) == 0 {
		return storage.Credential{}, fmt.Errorf("credential is required")
	}

	credentialJSON, err := json.Marshal(cred)
	if err != nil {
		return storage.Credential{}, fmt.Errorf("encode credential: %w", err)
	}

	now := r.clock().UTC()
	record := storage.Credential{
		CredentialID:   EncodeCredentialID(cred.ID),
		AccountID:      accountID,
		CredentialJSON: string(credentialJSON),
		Label:          label,
		Discoverable:   discoverable,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.InsertCredential(ctx, record); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.Credential{}, errDuplicate
		}
		return storage.Credential{}, fmt.Errorf("insert credential: %w", err)
	}
	return record, nil
}

// ListActive returns the non-revoked credentials of an account.
func (r *Registry) ListActive(ctx context.Context, accountID string) ([]storage.Credential, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("credential registry is not configured")
	}
	all, err := r.store.ListCredentialsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	active := make([]storage.Credential, 0, len(all))
	for _, record := range all {
		if record.RevokedAt == nil {
			active = append(active, record)
		}
	}
	return active, nil
}

// WebAuthnCredentials decodes an account's active credentials into the form
// the ceremony engine consumes.
func (r *Registry) WebAuthnCredentials(ctx context.Context, accountID string) ([]webauthn.Credential, error) {
	active, err := r.ListActive(ctx, accountID)
	if err != nil {
		return nil, err
	}
	decoded := make([]webauthn.Credential, 0, len(active))
	for _, record := range active {
		var cred webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &cred); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		decoded = append(decoded, cred)
	}
	return decoded, nil
}

// Find resolves a raw credential id to its active record. Revoked and unknown
// credentials are indistinguishable to callers.
func (r *Registry) Find(ctx context.Context, rawID []byte) (storage.Credential, error) {
	if r == nil || r.store == nil {
		return storage.Credential{}, fmt.Errorf("credential registry is not configured")
	}
	record, err := r.store.GetCredential(ctx, EncodeCredentialID(rawID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Credential{}, errNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	if record.RevokedAt != nil {
		return storage.Credential{}, errNotFound
	}
	return record, nil
}

// Revoke soft-deletes a credential after verifying the caller owns it.
// Revoking an already revoked credential succeeds without change.
func (r *Registry) Revoke(ctx context.Context, accountID, credentialID string) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("credential registry is not configured")
	}
	record, err := r.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errNotFound
		}
		return fmt.Errorf("get credential: %w", err)
	}
	if record.AccountID != accountID {
		return errNotOwner
	}
	if err := r.store.RevokeCredential(ctx, credentialID, r.clock().UTC()); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}

// RevokeAllForAccount revokes every active credential of an account.
func (r *Registry) RevokeAllForAccount(ctx context.Context, accountID string) (int, error) {
	if r == nil || r.store == nil {
		return 0, fmt.Errorf("credential registry is not configured")
	}
	active, err := r.ListActive(ctx, accountID)
	if err != nil {
		return 0, err
	}
	now := r.clock().UTC()
	for _, record := range active {
		if err := r.store.RevokeCredential(ctx, record.CredentialID, now); err != nil {
			return 0, fmt.Errorf("revoke credential %s: %w", record.CredentialID, err)
		}
	}
	return len(active), nil
}

// MarkUsed persists refreshed authenticator state after a successful
// assertion, including the updated signature counter.
func (r *Registry) MarkUsed(ctx context.Context, cred *webauthn.Credential) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("credential registry is not configured")
	}
	if cred == nil || len(cred.ID) == 0 {
		return fmt.Errorf("credential is required")
	}
	credentialJSON, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := r.store.UpdateCredentialJSON(ctx, EncodeCredentialID(cred.ID), string(credentialJSON), r.clock().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errNotFound
		}
		return fmt.Errorf("update credential: %w", err)
	}
	return nil
}
