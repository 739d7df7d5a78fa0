package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/observability"
)

// ─── TreasuryWithdrawal ─────────────────────────────────────────────────────

// Withdraw moves the whole treasury to the owner. The treasury is zeroed and
// the payout enqueued in one transaction; the PayoutDispatcher performs the
// transfer after commit. An empty treasury withdraws 0 and enqueues nothing.
func (l *Ledger) Withdraw(ctx context.Context, caller domain.Address) (res domain.WithdrawResult, err error) {
	caller = domain.NormalizeAddress(string(caller))

	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, done := l.observe(ctx, "withdraw", caller)
	defer func() { done(err) }()

	if caller != l.cfg.Owner {
		return res, fmt.Errorf("%w: %q", domain.ErrNotOwner, caller)
	}

	var ev *domain.Event
	err = l.store.InTx(ctx, func(tx domain.LedgerTx) error {
		amount, err := tx.Treasury()
		if err != nil {
			return fmt.Errorf("read treasury: %w", err)
		}
		res.Amount = amount
		if amount == 0 {
			return nil
		}

		now := l.clock.Now()
		if err := tx.SetTreasury(0); err != nil {
			return fmt.Errorf("set treasury: %w", err)
		}
		if err := tx.EnqueuePayout(&domain.Payout{
			ID:        uuid.NewString(),
			To:        l.cfg.Owner,
			Amount:    amount,
			Reason:    domain.PayoutWithdrawal,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("enqueue withdrawal: %w", err)
		}

		ev = l.newEvent(domain.EventWithdrawn, l.cfg.Owner, now.Unix())
		ev.Paid = amount
		if err := tx.AppendEvent(ev); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.WithdrawResult{}, err
	}

	if res.Amount > 0 {
		observability.Withdrawals.Inc()
		observability.TreasuryBalance.Set(0)
		l.log.WithFields(logrus.Fields{"owner": l.cfg.Owner, "amount": res.Amount.String()}).Info("treasury withdrawn")
		l.publish(ev)
	}
	return res, nil
}

// ContractBalance returns the treasury balance.
func (l *Ledger) ContractBalance(ctx context.Context) (domain.Gwei, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, treasury, err := l.store.LoadState(ctx)
	return treasury, err
}
