package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tutu-network/creditledger/internal/domain"
)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the ledger schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func LedgerMigrations() []string {
	return []string{
		// Global state: exactly one row
		`CREATE TABLE IF NOT EXISTS ledger_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			owner      TEXT NOT NULL,
			treasury   INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,

		// Accounts (never deleted)
		`CREATE TABLE IF NOT EXISTS accounts (
			owner              TEXT PRIMARY KEY,
			balance_handle     TEXT NOT NULL,
			balance_type       INTEGER NOT NULL,
			balance_scheme     TEXT NOT NULL,
			last_check_in      INTEGER NOT NULL DEFAULT 0,
			check_in_count     INTEGER NOT NULL DEFAULT 0,
			lifetime_purchased INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL
		)`,

		// Replay protection for consumption requests
		`CREATE TABLE IF NOT EXISTS processed_nonces (
			owner        TEXT NOT NULL,
			nonce        TEXT NOT NULL,
			processed_at INTEGER NOT NULL,
			PRIMARY KEY (owner, nonce)
		)`,

		// Append-only event log
		`CREATE TABLE IF NOT EXISTS events (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			id        TEXT NOT NULL UNIQUE,
			kind      TEXT NOT NULL,
			owner     TEXT NOT NULL,
			amount    INTEGER NOT NULL DEFAULT 0,
			paid      INTEGER NOT NULL DEFAULT 0,
			nonce     TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_owner ON events(owner, seq)`,

		// Payout outbox
		`CREATE TABLE IF NOT EXISTS payouts (
			id         TEXT PRIMARY KEY,
			to_addr    TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			reason     TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status, created_at)`,

		// Periodic aggregates
		`CREATE TABLE IF NOT EXISTS ledger_snapshots (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			accounts        INTEGER NOT NULL DEFAULT 0,
			treasury        INTEGER NOT NULL DEFAULT 0,
			events          INTEGER NOT NULL DEFAULT 0,
			pending_payouts INTEGER NOT NULL DEFAULT 0,
			taken_at        INTEGER NOT NULL
		)`,
	}
}

// ─── Global State ───────────────────────────────────────────────────────────

// InitState records the ledger owner on first open. Reopening with the same
// owner is a no-op; a different owner fails with domain.ErrOwnerMismatch.
func (db *DB) InitState(ctx context.Context, owner domain.Address) error {
	var existing string
	err := db.db.QueryRowContext(ctx, `SELECT owner FROM ledger_state WHERE id = 1`).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.db.ExecContext(ctx, `
			INSERT INTO ledger_state (id, owner, treasury, updated_at) VALUES (1, ?, 0, ?)
		`, string(owner), time.Now().Unix())
		return err
	case err != nil:
		return err
	case domain.Address(existing) != owner:
		return fmt.Errorf("%w: have %s, configured %s", domain.ErrOwnerMismatch, existing, owner)
	}
	return nil
}

// LoadState returns the persisted owner and treasury.
func (db *DB) LoadState(ctx context.Context) (domain.Address, domain.Gwei, error) {
	var owner string
	var treasury int64
	err := db.db.QueryRowContext(ctx, `SELECT owner, treasury FROM ledger_state WHERE id = 1`).Scan(&owner, &treasury)
	if err != nil {
		return "", 0, err
	}
	return domain.Address(owner), domain.Gwei(treasury), nil
}

// ─── Account Reads ──────────────────────────────────────────────────────────

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectAccount = `
	SELECT owner, balance_handle, balance_type, balance_scheme, last_check_in,
	       check_in_count, lifetime_purchased, created_at, updated_at
	FROM accounts WHERE owner = ?`

func getAccount(ctx context.Context, q queryer, owner domain.Address) (*domain.Account, error) {
	var (
		a                  domain.Account
		o                  string
		ctype              int
		purchased          int64
		createdAt, updated int64
	)
	err := q.QueryRowContext(ctx, selectAccount, string(owner)).Scan(
		&o, &a.EncryptedBalance.Handle, &ctype, &a.EncryptedBalance.Scheme,
		&a.LastCheckIn, &a.CheckInCount, &purchased, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Owner = domain.Address(o)
	a.EncryptedBalance.Type = domain.CipherType(ctype)
	a.LifetimePurchased = uint64(purchased)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

// GetAccount reads an account outside any ledger transaction.
func (db *DB) GetAccount(ctx context.Context, owner domain.Address) (*domain.Account, error) {
	return getAccount(ctx, db.db, owner)
}

// ─── Events & Nonces ────────────────────────────────────────────────────────

// ListEvents returns the most recent events, newest first. An empty owner
// lists events for all accounts.
func (db *DB) ListEvents(ctx context.Context, owner domain.Address, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT seq, id, kind, owner, amount, paid, nonce, timestamp FROM events`
	args := []any{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, string(owner))
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev           domain.Event
			kind, o      string
			amount, paid int64
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &kind, &o, &amount, &paid, &ev.Nonce, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Kind = domain.EventKind(kind)
		ev.Owner = domain.Address(o)
		ev.Amount = uint64(amount)
		ev.Paid = domain.Gwei(paid)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ForEachNonce streams every processed (owner, nonce) pair.
func (db *DB) ForEachNonce(ctx context.Context, fn func(owner domain.Address, nonce string)) error {
	rows, err := db.db.QueryContext(ctx, `SELECT owner, nonce FROM processed_nonces`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var owner, nonce string
		if err := rows.Scan(&owner, &nonce); err != nil {
			return err
		}
		fn(domain.Address(owner), nonce)
	}
	return rows.Err()
}

// ─── Transactions ───────────────────────────────────────────────────────────

// InTx runs fn inside one SQL transaction. If fn returns an error (or
// panics) every write is rolled back.
func (db *DB) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) (err error) {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&ledgerTx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ledgerTx implements domain.LedgerTx over a *sql.Tx.
type ledgerTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *ledgerTx) GetAccount(owner domain.Address) (*domain.Account, error) {
	return getAccount(t.ctx, t.tx, owner)
}

func (t *ledgerTx) PutAccount(a *domain.Account) error {
	purchased, err := toInt64(a.LifetimePurchased)
	if err != nil {
		return fmt.Errorf("%w: lifetime_purchased: %v", domain.ErrArithmeticOverflow, err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO accounts (owner, balance_handle, balance_type, balance_scheme, last_check_in,
			check_in_count, lifetime_purchased, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET
			balance_handle     = excluded.balance_handle,
			balance_type       = excluded.balance_type,
			balance_scheme     = excluded.balance_scheme,
			last_check_in      = excluded.last_check_in,
			check_in_count     = excluded.check_in_count,
			lifetime_purchased = excluded.lifetime_purchased,
			updated_at         = excluded.updated_at
	`, string(a.Owner), a.EncryptedBalance.Handle, int(a.EncryptedBalance.Type), a.EncryptedBalance.Scheme,
		a.LastCheckIn, a.CheckInCount, purchased, a.CreatedAt.Unix(), a.UpdatedAt.Unix())
	return err
}

func (t *ledgerTx) HasNonce(owner domain.Address, nonce string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM processed_nonces WHERE owner = ? AND nonce = ?
	`, string(owner), nonce).Scan(&n)
	return n > 0, err
}

func (t *ledgerTx) RecordNonce(owner domain.Address, nonce string, at int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO processed_nonces (owner, nonce, processed_at) VALUES (?, ?, ?)
	`, string(owner), nonce, at)
	return err
}

func (t *ledgerTx) Treasury() (domain.Gwei, error) {
	var v int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT treasury FROM ledger_state WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("ledger state not initialized")
	}
	return domain.Gwei(v), err
}

func (t *ledgerTx) SetTreasury(w domain.Gwei) error {
	v, err := toInt64(uint64(w))
	if err != nil {
		return fmt.Errorf("%w: treasury: %v", domain.ErrArithmeticOverflow, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		UPDATE ledger_state SET treasury = ?, updated_at = ? WHERE id = 1
	`, v, time.Now().Unix())
	return err
}

func (t *ledgerTx) AppendEvent(ev *domain.Event) error {
	amount, err := toInt64(ev.Amount)
	if err != nil {
		return fmt.Errorf("%w: event amount: %v", domain.ErrArithmeticOverflow, err)
	}
	paid, err := toInt64(uint64(ev.Paid))
	if err != nil {
		return fmt.Errorf("%w: event paid: %v", domain.ErrArithmeticOverflow, err)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO events (id, kind, owner, amount, paid, nonce, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, string(ev.Kind), string(ev.Owner), amount, paid, ev.Nonce, ev.Timestamp)
	if err != nil {
		return err
	}
	ev.Seq, err = res.LastInsertId()
	return err
}

func (t *ledgerTx) EnqueuePayout(p *domain.Payout) error {
	amount, err := toInt64(uint64(p.Amount))
	if err != nil {
		return fmt.Errorf("%w: payout amount: %v", domain.ErrArithmeticOverflow, err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Status = domain.PayoutPending
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO payouts (id, to_addr, amount, reason, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, p.ID, string(p.To), amount, string(p.Reason), string(p.Status), p.CreatedAt.UnixNano(), p.CreatedAt.UnixNano())
	return err
}
