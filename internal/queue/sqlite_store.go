package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	name:       "sqlite",
	driverName: "sqlite",
	afterOpen: func(ctx context.Context, db *sql.DB) error {
		// a single connection keeps writers serialized inside the process
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("sqlite %s: %w", pragma, err)
			}
		}
		return nil
	},
}

type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (creating if needed) a queue database at path and
// takes an exclusive lock on it for the life of the store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	core, err := newSQLStore(path, sqliteDialect)
	if err != nil {
		return nil, err
	}
	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	core.lock = lock
	if err := core.ensureReady(); err != nil {
		_ = core.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: core}, nil
}
