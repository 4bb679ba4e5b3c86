package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/account"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
)

// PutAccount inserts or updates an account record.
func (s *Store) PutAccount(ctx context.Context, a account.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("account id is required")
	}
	if strings.TrimSpace(a.Username) == "" {
		return fmt.Errorf("username is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO accounts (id, username, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET username = excluded.username, updated_at = excluded.updated_at
`, a.ID, a.Username, toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
	return mapWriteError(err, "put account")
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, accountID string) (account.Account, error) {
	if err := ctx.Err(); err != nil {
		return account.Account{}, err
	}
	if s == nil || s.sqlDB == nil {
		return account.Account{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(accountID) == "" {
		return account.Account{}, fmt.Errorf("account id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, created_at, updated_at FROM accounts WHERE id = ?
`, accountID)
	return scanAccount(row)
}

// GetAccountByUsername fetches an account by its unique username.
func (s *Store) GetAccountByUsername(ctx context.Context, username string) (account.Account, error) {
	if err := ctx.Err(); err != nil {
		return account.Account{}, err
	}
	if s == nil || s.sqlDB == nil {
		return account.Account{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(username) == "" {
		return account.Account{}, fmt.Errorf("username is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, created_at, updated_at FROM accounts WHERE username = ?
`, username)
	return scanAccount(row)
}

// ListAccounts returns a page of accounts ordered by username.
// The page token is the last username of the previous page.
func (s *Store) ListAccounts(ctx context.Context, pageSize int, pageToken string) (storage.AccountPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.AccountPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.AccountPage{}, fmt.Errorf("storage is not configured")
	}
	if pageSize <= 0 {
		pageSize = 10
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, username, created_at, updated_at
FROM accounts
WHERE username > ?
ORDER BY username
LIMIT ?
`, pageToken, pageSize+1)
	if err != nil {
		return storage.AccountPage{}, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []account.Account
	for rows.Next() {
		var a account.Account
		var createdAt, updatedAt int64
		if err := rows.Scan(&a.ID, &a.Username, &createdAt, &updatedAt); err != nil {
			return storage.AccountPage{}, fmt.Errorf("scan account: %w", err)
		}
		a.CreatedAt = fromMillis(createdAt)
		a.UpdatedAt = fromMillis(updatedAt)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return storage.AccountPage{}, fmt.Errorf("list accounts: %w", err)
	}

	page := storage.AccountPage{}
	if len(accounts) > pageSize {
		accounts = accounts[:pageSize]
		page.NextPageToken = accounts[len(accounts)-1].Username
	}
	page.Accounts = accounts
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (account.Account, error) {
	var a account.Account
	var createdAt, updatedAt int64
	if err := row.Scan(&a.ID, &a.Username, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.Account{}, storage.ErrNotFound
		}
		return account.Account{}, fmt.Errorf("get account: %w", err)
	}
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}
