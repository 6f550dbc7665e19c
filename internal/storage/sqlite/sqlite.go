// Package sqlite implements the backtest run repository on an embedded
// SQLite file, using the same schema as the postgres package.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"krx-trend-lab/internal/domain"
	"krx-trend-lab/internal/storage/migrations"
)

// DB wraps sql.DB opened on the pure-Go SQLite driver.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
// Steps:
//  1. Create the parent directory.
//  2. Open with foreign keys on, so run deletes cascade.
//  3. Limit to one connection; SQLite serializes writers anyway.
//  4. Apply the embedded schema.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{DB: db}, nil
}

// isDuplicateKeyError checks if error is a primary key or unique violation.
func isDuplicateKeyError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// createdAtLayout sorts lexically in time order.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

func formatDate(t time.Time) string {
	return domain.FormatDate(t)
}

func parseDate(s string) (time.Time, error) {
	return domain.ParseDate(s)
}

func joinUniverse(u []string) string {
	return strings.Join(u, ",")
}

func splitUniverse(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
