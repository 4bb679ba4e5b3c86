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

// PutSession stores an authenticated session.
func (s *Store) PutSession(ctx context.Context, session storage.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.AccountID) == "" {
		return fmt.Errorf("account id is required")
	}

	revokedAt := sql.NullInt64{}
	if session.RevokedAt != nil {
		revokedAt = sql.NullInt64{Int64: toMillis(*session.RevokedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, account_id, created_at, expires_at, revoked_at)
VALUES (?, ?, ?, ?, ?)
`, session.ID, session.AccountID, toMillis(session.CreatedAt), toMillis(session.ExpiresAt), revokedAt)
	return mapWriteError(err, "put session")
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Session{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.Session{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, account_id, created_at, expires_at, revoked_at
FROM sessions WHERE id = ?
`, sessionID)

	var session storage.Session
	var createdAt, expiresAt int64
	var revokedAt sql.NullInt64
	if err := row.Scan(&session.ID, &session.AccountID, &createdAt, &expiresAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	if revokedAt.Valid {
		value := fromMillis(revokedAt.Int64)
		session.RevokedAt = &value
	}
	return session, nil
}

// RevokeSession marks a session revoked. Re-revoking keeps the original
// timestamp; a missing session returns ErrNotFound.
func (s *Store) RevokeSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET revoked_at = ?
WHERE id = ? AND revoked_at IS NULL
`, toMillis(revokedAt), sessionID)
	if err != nil {
		return mapWriteError(err, "revoke session")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}
