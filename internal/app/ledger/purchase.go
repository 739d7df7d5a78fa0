package ledger

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/observability"
)

// ─── PurchaseGateway ────────────────────────────────────────────────────────

// BuyCredits grants amount credits for paid native currency at the fixed
// price. Any excess is refunded through the payout outbox in the same
// transaction that moves the cost into the treasury.
func (l *Ledger) BuyCredits(ctx context.Context, owner domain.Address, amount uint64, paid domain.Gwei) (res domain.PurchaseResult, err error) {
	owner, err = normalize(owner)
	if err != nil {
		return res, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, done := l.observe(ctx, "purchase", owner)
	defer func() { done(err) }()

	cost, err := l.quote(amount)
	if err != nil {
		return res, err
	}
	if paid < cost {
		return res, fmt.Errorf("%w: need %s, got %s", domain.ErrInsufficientPayment, cost, paid)
	}
	refund := paid - cost

	var (
		ev          *domain.Event
		newTreasury domain.Gwei
	)
	err = l.store.InTx(ctx, func(tx domain.LedgerTx) error {
		now := l.clock.Now()

		treasury, err := tx.Treasury()
		if err != nil {
			return fmt.Errorf("read treasury: %w", err)
		}
		newTreasury = treasury + cost
		if newTreasury < treasury {
			return fmt.Errorf("%w: treasury", domain.ErrArithmeticOverflow)
		}

		acct, err := l.loadOrCreate(ctx, tx, owner)
		if err != nil {
			return err
		}
		purchased := acct.LifetimePurchased + amount
		if purchased < acct.LifetimePurchased {
			return fmt.Errorf("%w: lifetime purchased", domain.ErrArithmeticOverflow)
		}

		credits, err := l.backend.Encrypt(ctx, amount)
		if err != nil {
			return backendErr("encrypt amount", err)
		}
		balance, err := l.backend.Add(ctx, acct.EncryptedBalance, credits)
		if err != nil {
			return backendErr("add credits", err)
		}
		if err := l.backend.Allow(ctx, balance, owner); err != nil {
			return backendErr("allow", err)
		}

		// Effects first; the refund leaves through the outbox after commit.
		acct.EncryptedBalance = balance
		acct.LifetimePurchased = purchased
		if err := tx.PutAccount(acct); err != nil {
			return fmt.Errorf("put account: %w", err)
		}
		if err := tx.SetTreasury(newTreasury); err != nil {
			return fmt.Errorf("set treasury: %w", err)
		}

		ev = l.newEvent(domain.EventCreditsPurchased, owner, now.Unix())
		ev.Amount = amount
		ev.Paid = cost
		if err := tx.AppendEvent(ev); err != nil {
			return fmt.Errorf("append event: %w", err)
		}

		if refund > 0 {
			if err := tx.EnqueuePayout(&domain.Payout{
				ID:        uuid.NewString(),
				To:        owner,
				Amount:    refund,
				Reason:    domain.PayoutRefund,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("enqueue refund: %w", err)
			}
		}

		res = domain.PurchaseResult{Granted: amount, Cost: cost, Refund: refund}
		return nil
	})
	if err != nil {
		return domain.PurchaseResult{}, err
	}

	observability.Purchases.Inc()
	observability.TreasuryBalance.Set(float64(newTreasury))
	observability.CreditsGranted.WithLabelValues("purchase").Add(float64(amount))
	l.log.WithFields(logrus.Fields{
		"owner":  owner,
		"amount": amount,
		"cost":   cost.String(),
		"refund": refund.String(),
	}).Info("credits purchased")
	l.publish(ev)
	return res, nil
}

// Quote returns the price of amount credits without buying them.
func (l *Ledger) Quote(amount uint64) (domain.Gwei, error) { return l.quote(amount) }

func (l *Ledger) quote(amount uint64) (domain.Gwei, error) {
	if amount == 0 {
		return 0, domain.ErrAmountZero
	}
	if amount > l.cfg.MaxPurchase {
		return 0, fmt.Errorf("%w: %d > %d", domain.ErrAmountTooLarge, amount, l.cfg.MaxPurchase)
	}
	hi, lo := bits.Mul64(amount, uint64(l.cfg.CreditPrice))
	if hi != 0 {
		return 0, fmt.Errorf("%w: cost of %d credits", domain.ErrArithmeticOverflow, amount)
	}
	return domain.Gwei(lo), nil
}
