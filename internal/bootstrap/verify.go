package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Verifier checks whether a prepared database holds a table.
type Verifier interface {
	HasTable(ctx context.Context, dbPath, table string) (bool, error)
}

// SQLiteVerifier inspects sqlite_master directly. A missing database file is
// reported as "no table" and is never created.
type SQLiteVerifier struct{}

func (SQLiteVerifier) HasTable(ctx context.Context, dbPath, table string) (bool, error) {
	if _, err := os.Stat(dbPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	dsn := "file:" + filepath.ToSlash(dbPath) + "?mode=ro"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", dbPath, err)
	}
	return n > 0, nil
}
