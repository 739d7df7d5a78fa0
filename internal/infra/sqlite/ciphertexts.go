package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CiphertextFile holds the local coprocessor's ciphertext table. It lives in
// its own file so coprocessor writes never contend with an open ledger
// transaction.
const CiphertextFile = "ciphertexts.db"

// ErrCiphertextNotFound is returned for unknown handles.
var ErrCiphertextNotFound = errors.New("ciphertext not found")

// CiphertextMigrations returns the coprocessor schema.
func CiphertextMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ciphertexts (
			handle     TEXT PRIMARY KEY,
			ctype      INTEGER NOT NULL,
			value      INTEGER NOT NULL,
			flag       INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ciphertext_acl (
			handle TEXT NOT NULL,
			viewer TEXT NOT NULL,
			PRIMARY KEY (handle, viewer)
		)`,
	}
}

// CiphertextDB stores coprocessor ciphertext records and their ACL.
type CiphertextDB struct {
	db   *sql.DB
	path string
}

// CiphertextRow is one stored ciphertext. Value holds the full uint64 domain
// (stored bit-for-bit in the signed INTEGER column).
type CiphertextRow struct {
	Handle string
	Type   uint8
	Value  uint64
	Flag   bool
}

// OpenCiphertexts opens (creating if needed) the ciphertext store in dir.
func OpenCiphertexts(dir string) (*CiphertextDB, error) {
	raw, path, err := openFile(dir, CiphertextFile)
	if err != nil {
		return nil, err
	}
	if err := migrate(raw, CiphertextMigrations()); err != nil {
		raw.Close()
		return nil, err
	}
	return &CiphertextDB{db: raw, path: path}, nil
}

// Close releases the handle.
func (c *CiphertextDB) Close() error { return c.db.Close() }

// PutCiphertext stores a record. Handles are unique; re-inserting one is an error.
func (c *CiphertextDB) PutCiphertext(ctx context.Context, r CiphertextRow) error {
	flag := 0
	if r.Flag {
		flag = 1
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO ciphertexts (handle, ctype, value, flag, created_at) VALUES (?, ?, ?, ?, ?)
	`, r.Handle, int(r.Type), int64(r.Value), flag, time.Now().Unix())
	return err
}

// GetCiphertext loads a record by handle.
func (c *CiphertextDB) GetCiphertext(ctx context.Context, handle string) (CiphertextRow, error) {
	var (
		r     CiphertextRow
		ctype int
		value int64
		flag  int
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT handle, ctype, value, flag FROM ciphertexts WHERE handle = ?
	`, handle).Scan(&r.Handle, &ctype, &value, &flag)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrCiphertextNotFound
	}
	if err != nil {
		return r, err
	}
	r.Type = uint8(ctype)
	r.Value = uint64(value)
	r.Flag = flag == 1
	return r, nil
}

// Grant adds viewer to the handle's ACL (idempotent).
func (c *CiphertextDB) Grant(ctx context.Context, handle, viewer string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ciphertext_acl (handle, viewer) VALUES (?, ?)
	`, handle, viewer)
	return err
}

// Allowed reports whether viewer is on the handle's ACL.
func (c *CiphertextDB) Allowed(ctx context.Context, handle, viewer string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ciphertext_acl WHERE handle = ? AND viewer = ?
	`, handle, viewer).Scan(&n)
	return n > 0, err
}

// Count returns the number of stored ciphertexts.
func (c *CiphertextDB) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ciphertexts`).Scan(&n)
	return n, err
}
