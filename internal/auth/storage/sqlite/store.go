// Package sqlite implements auth persistence over SQLite.
package sqlite

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"database/sql"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/storage/sqlite/migrations"
	sqlitemigrate "github.com/stephenp0320/passwordless-auth-system/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements auth persistence over SQLite.
//
// A single SQLite file backs accounts, credentials, challenges, recovery
// codes, and sessions so every ceremony step shares the same transaction and
// visibility boundaries.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an auth SQLite store and applies bundled migrations.
//
// This keeps startup and schema evolution in one place, instead of requiring
// callers to coordinate migrations independently.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// mapWriteError converts driver errors into storage sentinels.
func mapWriteError(err error, op string) error {
	if err == nil {
		return nil
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "unique constraint") || strings.Contains(message, "constraint failed") {
		return storage.ErrConflict
	}
	if strings.Contains(message, "database is locked") || strings.Contains(message, "busy") {
		return storage.ErrBusy
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.CredentialStore = (*Store)(nil)
var _ storage.ChallengeStore = (*Store)(nil)
var _ storage.RecoveryCodeStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
