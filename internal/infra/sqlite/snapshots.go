package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tutu-network/creditledger/internal/domain"
)

// ─── Snapshot Operations ────────────────────────────────────────────────────

// TakeSnapshot aggregates the current ledger state and stores it.
func (db *DB) TakeSnapshot(ctx context.Context, at time.Time) (domain.Snapshot, error) {
	var s domain.Snapshot
	var treasury int64
	err := db.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			COALESCE((SELECT treasury FROM ledger_state WHERE id = 1), 0),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM payouts WHERE status != 'sent')
	`).Scan(&s.Accounts, &treasury, &s.Events, &s.PendingPayouts)
	if err != nil {
		return s, err
	}
	s.Treasury = domain.Gwei(treasury)
	s.TakenAt = at.UTC().Truncate(time.Second)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO ledger_snapshots (accounts, treasury, events, pending_payouts, taken_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.Accounts, treasury, s.Events, s.PendingPayouts, s.TakenAt.Unix())
	return s, err
}

// LatestSnapshot returns the most recent snapshot.
func (db *DB) LatestSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	var s domain.Snapshot
	var treasury, taken int64
	err := db.db.QueryRowContext(ctx, `
		SELECT accounts, treasury, events, pending_payouts, taken_at
		FROM ledger_snapshots ORDER BY id DESC LIMIT 1
	`).Scan(&s.Accounts, &treasury, &s.Events, &s.PendingPayouts, &taken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Treasury = domain.Gwei(treasury)
	s.TakenAt = time.Unix(taken, 0).UTC()
	return &s, nil
}

// PruneSnapshots deletes snapshots older than the cutoff.
func (db *DB) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.db.ExecContext(ctx, `DELETE FROM ledger_snapshots WHERE taken_at < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
