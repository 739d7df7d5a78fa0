// Package sqlite persists the credit ledger in a local SQLite database
// (pure-Go modernc driver, no CGO).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// LedgerFile is the ledger database file name inside the data directory.
const LedgerFile = "ledger.db"

// DB wraps the ledger database handle.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the ledger database in dir and applies
// all migrations.
func Open(dir string) (*DB, error) {
	raw, path, err := openFile(dir, LedgerFile)
	if err != nil {
		return nil, err
	}
	d := &DB{db: raw, path: path}
	if err := migrate(raw, LedgerMigrations()); err != nil {
		raw.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return d, nil
}

// Close releases the database handle.
func (db *DB) Close() error { return db.db.Close() }

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error { return db.db.PingContext(ctx) }

// openFile opens a WAL-mode SQLite file with a busy timeout.
func openFile(dir, name string) (*sql.DB, string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, "", fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, name)
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, "", fmt.Errorf("ping %s: %w", path, err)
	}
	return raw, path, nil
}

// migrate executes each statement in order. Statements are idempotent
// (CREATE ... IF NOT EXISTS), so migrate runs on every open.
func migrate(db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}

// toInt64 converts a uint64 column value, rejecting values SQLite cannot hold.
func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds sqlite integer range", v)
	}
	return int64(v), nil
}
