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

// PutChallenge stores a ceremony challenge.
func (s *Store) PutChallenge(ctx context.Context, challenge storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(challenge.ID) == "" {
		return fmt.Errorf("challenge id is required")
	}
	if strings.TrimSpace(challenge.Kind) == "" {
		return fmt.Errorf("challenge kind is required")
	}
	if strings.TrimSpace(challenge.SessionJSON) == "" {
		return fmt.Errorf("session json is required")
	}

	accountID := sql.NullString{}
	if strings.TrimSpace(challenge.AccountID) != "" {
		accountID = sql.NullString{String: challenge.AccountID, Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO challenges (id, kind, account_id, session_json, created_at, expires_at, consumed_at)
VALUES (?, ?, ?, ?, ?, ?, NULL)
`,
		challenge.ID,
		challenge.Kind,
		accountID,
		challenge.SessionJSON,
		toMillis(challenge.CreatedAt),
		toMillis(challenge.ExpiresAt),
	)
	return mapWriteError(err, "put challenge")
}

// ConsumeChallenge atomically claims a challenge for exactly one finish call.
// The conditional update is the single-use guarantee: under concurrent
// duplicate finishes only one caller flips consumed_at.
func (s *Store) ConsumeChallenge(ctx context.Context, challengeID string, consumedAt time.Time) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Challenge{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(challengeID) == "" {
		return storage.Challenge{}, fmt.Errorf("challenge id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE challenges SET consumed_at = ?
WHERE id = ? AND consumed_at IS NULL
`, toMillis(consumedAt), challengeID)
	if err != nil {
		return storage.Challenge{}, mapWriteError(err, "consume challenge")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	if affected == 0 {
		// Either the row does not exist or a concurrent finish already won.
		var exists int
		row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM challenges WHERE id = ?`, challengeID)
		if scanErr := row.Scan(&exists); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return storage.Challenge{}, storage.ErrNotFound
			}
			return storage.Challenge{}, fmt.Errorf("consume challenge: %w", scanErr)
		}
		return storage.Challenge{}, storage.ErrConflict
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, kind, account_id, session_json, created_at, expires_at, consumed_at
FROM challenges WHERE id = ?
`, challengeID)
	return scanChallenge(row)
}

// DeleteExpiredChallenges removes challenges past their expiry. This is
// storage reclamation only; consume-time checks enforce freshness.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at < ?`, toMillis(now))
	return mapWriteError(err, "delete expired challenges")
}

func scanChallenge(row rowScanner) (storage.Challenge, error) {
	var challenge storage.Challenge
	var accountID sql.NullString
	var createdAt, expiresAt int64
	var consumedAt sql.NullInt64
	if err := row.Scan(
		&challenge.ID,
		&challenge.Kind,
		&accountID,
		&challenge.SessionJSON,
		&createdAt,
		&expiresAt,
		&consumedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, fmt.Errorf("get challenge: %w", err)
	}
	if accountID.Valid {
		challenge.AccountID = accountID.String
	}
	challenge.CreatedAt = fromMillis(createdAt)
	challenge.ExpiresAt = fromMillis(expiresAt)
	if consumedAt.Valid {
		value := fromMillis(consumedAt.Int64)
		challenge.ConsumedAt = &value
	}
	return challenge, nil
}
