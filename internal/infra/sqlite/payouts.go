package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tutu-network/creditledger/internal/domain"
)

// ─── Payout Outbox Operations ───────────────────────────────────────────────

// PendingPayouts returns payouts still owed (pending, or failed with fewer
// than maxAttempts attempts), oldest first.
func (db *DB) PendingPayouts(ctx context.Context, maxAttempts, limit int) ([]domain.Payout, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, to_addr, amount, reason, status, attempts, last_error, created_at
		FROM payouts
		WHERE status = 'pending' OR (status = 'failed' AND attempts < ?)
		ORDER BY created_at ASC LIMIT ?
	`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayouts(rows)
}

// GetPayout retrieves one payout by ID.
func (db *DB) GetPayout(ctx context.Context, id string) (*domain.Payout, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, to_addr, amount, reason, status, attempts, last_error, created_at
		FROM payouts WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ps, err := scanPayouts(rows)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, sql.ErrNoRows
	}
	return &ps[0], nil
}

// ListPayouts returns payouts for an address (all addresses when to is empty), newest first.
func (db *DB) ListPayouts(ctx context.Context, to domain.Address, limit int) ([]domain.Payout, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, to_addr, amount, reason, status, attempts, last_error, created_at FROM payouts`
	args := []any{}
	if to != "" {
		query += ` WHERE to_addr = ?`
		args = append(args, string(to))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPayouts(rows)
}

// MarkPayoutSent records a successful transfer.
func (db *DB) MarkPayoutSent(ctx context.Context, id string) error {
	return db.updatePayout(ctx, id, domain.PayoutSent, "")
}

// MarkPayoutFailed records a failed transfer attempt.
func (db *DB) MarkPayoutFailed(ctx context.Context, id, reason string) error {
	return db.updatePayout(ctx, id, domain.PayoutFailed, reason)
}

func (db *DB) updatePayout(ctx context.Context, id string, status domain.PayoutStatus, lastErr string) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE payouts SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), lastErr, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("payout not found: " + id)
	}
	return nil
}

// PayoutBacklog counts unsent payouts. Pending ones will be retried by the
// next drain; parked ones failed maxAttempts times and never will.
func (db *DB) PayoutBacklog(ctx context.Context, maxAttempts int) (pending, parked int64, err error) {
	err = db.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' OR (status = 'failed' AND attempts < ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' AND attempts >= ? THEN 1 ELSE 0 END), 0)
		FROM payouts
	`, maxAttempts, maxAttempts).Scan(&pending, &parked)
	return pending, parked, err
}

func scanPayouts(rows *sql.Rows) ([]domain.Payout, error) {
	var out []domain.Payout
	for rows.Next() {
		var (
			p                  domain.Payout
			to, reason, status string
			amount, created    int64
		)
		if err := rows.Scan(&p.ID, &to, &amount, &reason, &status, &p.Attempts, &p.LastError, &created); err != nil {
			return nil, err
		}
		p.To = domain.Address(to)
		p.Amount = domain.Gwei(amount)
		p.Reason = domain.PayoutReason(reason)
		p.Status = domain.PayoutStatus(status)
		p.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
