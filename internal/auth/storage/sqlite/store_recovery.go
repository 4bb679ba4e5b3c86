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

// InsertRecoveryCodes stores a batch of hashed recovery codes in one
// transaction so a batch is all-or-nothing.
func (s *Store) InsertRecoveryCodes(ctx context.Context, codes []storage.RecoveryCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(codes) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return mapWriteError(err, "insert recovery codes")
	}
	for _, code := range codes {
		if strings.TrimSpace(code.ID) == "" || strings.TrimSpace(code.AccountID) == "" || strings.TrimSpace(code.CodeHash) == "" {
			_ = tx.Rollback()
			return fmt.Errorf("recovery code id, account id, and hash are required")
		}
		usedAt := sql.NullInt64{}
		if code.UsedAt != nil {
			usedAt = sql.NullInt64{Int64: toMillis(*code.UsedAt), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO recovery_codes (id, account_id, code_hash, batch_id, created_at, used_at)
VALUES (?, ?, ?, ?, ?, ?)
`, code.ID, code.AccountID, code.CodeHash, code.BatchID, toMillis(code.CreatedAt), usedAt); err != nil {
			_ = tx.Rollback()
			return mapWriteError(err, "insert recovery code")
		}
	}
	if err := tx.Commit(); err != nil {
		return mapWriteError(err, "insert recovery codes")
	}
	return nil
}

// ListActiveRecoveryCodes returns the unused codes for an account.
func (s *Store) ListActiveRecoveryCodes(ctx context.Context, accountID string) ([]storage.RecoveryCode, error) {
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
SELECT id, account_id, code_hash, batch_id, created_at, used_at
FROM recovery_codes
WHERE account_id = ? AND used_at IS NULL
ORDER BY created_at
`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list recovery codes: %w", err)
	}
	defer rows.Close()

	codes := make([]storage.RecoveryCode, 0)
	for rows.Next() {
		var code storage.RecoveryCode
		var createdAt int64
		var usedAt sql.NullInt64
		if err := rows.Scan(&code.ID, &code.AccountID, &code.CodeHash, &code.BatchID, &createdAt, &usedAt); err != nil {
			return nil, fmt.Errorf("scan recovery code: %w", err)
		}
		code.CreatedAt = fromMillis(createdAt)
		if usedAt.Valid {
			value := fromMillis(usedAt.Int64)
			code.UsedAt = &value
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recovery codes: %w", err)
	}
	return codes, nil
}

// MarkRecoveryCodeUsed atomically consumes one recovery code. The conditional
// update makes double spends lose with ErrConflict.
func (s *Store) MarkRecoveryCodeUsed(ctx context.Context, codeID string, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(codeID) == "" {
		return fmt.Errorf("recovery code id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE recovery_codes SET used_at = ?
WHERE id = ? AND used_at IS NULL
`, toMillis(usedAt), codeID)
	if err != nil {
		return mapWriteError(err, "mark recovery code used")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark recovery code used: %w", err)
	}
	if affected == 0 {
		var exists int
		row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM recovery_codes WHERE id = ?`, codeID)
		if scanErr := row.Scan(&exists); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("mark recovery code used: %w", scanErr)
		}
		return storage.ErrConflict
	}
	return nil
}

// DeleteUnusedRecoveryCodes removes the unused codes of an account. Used
// codes are kept so a consumed code can never authenticate again.
func (s *Store) DeleteUnusedRecoveryCodes(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("account id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM recovery_codes WHERE account_id = ? AND used_at IS NULL
`, accountID)
	return mapWriteError(err, "delete unused recovery codes")
}
