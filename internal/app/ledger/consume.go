package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/observability"
)

// ─── ConsumptionEngine ──────────────────────────────────────────────────────

// ConsumeCredits obliviously subtracts an encrypted amount from owner's
// balance. When the balance is insufficient the balance is left unchanged,
// and only the owner can tell by decrypting the returned result, which packs
// the encrypted success flag with the new balance. The backend call sequence
// is the same either way.
//
// Nonces are single-use per owner; a replay fails with
// domain.ErrDuplicateRequest before any state changes.
func (l *Ledger) ConsumeCredits(ctx context.Context, owner domain.Address, amount domain.Ciphertext, nonce string) (result domain.Ciphertext, err error) {
	owner, err = normalize(owner)
	if err != nil {
		return result, err
	}
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return result, domain.ErrInvalidNonce
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, done := l.observe(ctx, "consume", owner)
	defer func() { done(err) }()

	var ev *domain.Event
	err = l.store.InTx(ctx, func(tx domain.LedgerTx) error {
		// The filter can only prove absence; a hit is confirmed by the table.
		if l.nonces.MaybeSeen(string(owner), nonce) {
			seen, err := tx.HasNonce(owner, nonce)
			if err != nil {
				return fmt.Errorf("check nonce: %w", err)
			}
			if seen {
				observability.DuplicateRequests.Inc()
				return fmt.Errorf("%w: %s", domain.ErrDuplicateRequest, nonce)
			}
		}

		if err := l.backend.Verify(ctx, amount, owner); err != nil {
			return backendErr("verify input", err)
		}

		acct, err := l.loadOrCreate(ctx, tx, owner)
		if err != nil {
			return err
		}
		balance := acct.EncryptedBalance

		diff, err := l.backend.Sub(ctx, balance, amount)
		if err != nil {
			return backendErr("sub", err)
		}
		ok, err := l.backend.Ge(ctx, balance, amount)
		if err != nil {
			return backendErr("ge", err)
		}
		newBalance, err := l.backend.Select(ctx, ok, diff, balance)
		if err != nil {
			return backendErr("select", err)
		}
		packed, err := l.backend.Pack(ctx, ok, newBalance)
		if err != nil {
			return backendErr("pack", err)
		}
		if err := l.backend.Allow(ctx, newBalance, owner); err != nil {
			return backendErr("allow balance", err)
		}
		if err := l.backend.Allow(ctx, packed, owner); err != nil {
			return backendErr("allow result", err)
		}

		now := l.clock.Now().Unix()
		acct.EncryptedBalance = newBalance
		if err := tx.PutAccount(acct); err != nil {
			return fmt.Errorf("put account: %w", err)
		}
		if err := tx.RecordNonce(owner, nonce, now); err != nil {
			return fmt.Errorf("record nonce: %w", err)
		}

		ev = l.newEvent(domain.EventCreditsUsed, owner, now)
		ev.Nonce = nonce
		if err := tx.AppendEvent(ev); err != nil {
			return fmt.Errorf("append event: %w", err)
		}

		result = packed
		return nil
	})
	if err != nil {
		return domain.Ciphertext{}, err
	}

	l.nonces.Add(string(owner), nonce)
	observability.NonceFilterFPRate.Set(l.nonces.EstimatedFPRate())
	observability.Consumptions.Inc()
	l.log.WithFields(logrus.Fields{"owner": owner, "nonce": nonce, "result": result.Short()}).Info("credits consumed")
	l.publish(ev)
	return result, nil
}
