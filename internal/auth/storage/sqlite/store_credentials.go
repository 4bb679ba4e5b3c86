package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
)

// InsertCredential adds a new credential row. The primary key on the
// credential id makes duplicate registrations lose deterministically.
func (s *Store) InsertCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.AccountID) == "" {
		return fmt.Errorf("account id is required")
	}
	if strings.TrimSpace(credential.CredentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}
	revoked := sql.NullInt64{}
	if credential.RevokedAt != nil {
		revoked = sql.NullInt64{Int64: toMillis(*credential.RevokedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO credentials (
	credential_id, account_id, credential_json, label, discoverable,
	created_at, updated_at, last_used_at, revoked_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		credential.CredentialID,
		credential.AccountID,
		credential.CredentialJSON,
		credential.Label,
		boolToInt(credential.Discoverable),
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		lastUsed,
		revoked,
	)
	return mapWriteError(err, "insert credential")
}

// GetCredential fetches a stored credential by id.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT credential_id, account_id, credential_json, label, discoverable,
       created_at, updated_at, last_used_at, revoked_at
FROM credentials WHERE credential_id = ?
`, credentialID)
	credential, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}

// ListCredentialsByAccount returns all credentials for an account, revoked
// included. Callers filter on revocation state.
func (s *Store) ListCredentialsByAccount(ctx context.Context, accountID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("account id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT credential_id, account_id, credential_json, label, discoverable,
       created_at, updated_at, last_used_at, revoked_at
FROM credentials WHERE account_id = ?
ORDER BY created_at
`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	credentials := make([]storage.Credential, 0)
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// UpdateCredentialJSON persists refreshed credential state after a login,
// recording the sign-counter update and last use time.
func (s *Store) UpdateCredentialJSON(ctx context.Context, credentialID string, credentialJSON string, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credentialJSON) == "" {
		return fmt.Errorf("credential json is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE credentials
SET credential_json = ?, updated_at = ?, last_used_at = ?
WHERE credential_id = ?
`, credentialJSON, toMillis(usedAt), toMillis(usedAt), credentialID)
	if err != nil {
		return mapWriteError(err, "update credential")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RevokeCredential soft-deletes a credential. The conditional update keeps
// the first revocation timestamp on repeat calls.
func (s *Store) RevokeCredential(ctx context.Context, credentialID string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE credentials SET revoked_at = ?, updated_at = ?
WHERE credential_id = ? AND revoked_at IS NULL
`, toMillis(revokedAt), toMillis(revokedAt), credentialID)
	if err != nil {
		return mapWriteError(err, "revoke credential")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if affected == 0 {
		// Distinguish already-revoked (no-op success) from missing.
		if _, err := s.GetCredential(ctx, credentialID); err != nil {
			return err
		}
	}
	return nil
}

func scanCredential(row rowScanner) (storage.Credential, error) {
	var credential storage.Credential
	var discoverable int
	var createdAt, updatedAt int64
	var lastUsed, revoked sql.NullInt64
	if err := row.Scan(
		&credential.CredentialID,
		&credential.AccountID,
		&credential.CredentialJSON,
		&credential.Label,
		&discoverable,
		&createdAt,
		&updatedAt,
		&lastUsed,
		&revoked,
	); err != nil {
		return storage.Credential{}, err
	}
	credential.Discoverable = discoverable != 0
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		credential.LastUsedAt = &value
	}
	if revoked.Valid {
		value := fromMillis(revoked.Int64)
		credential.RevokedAt = &value
	}
	return credential, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
