package ledger

import (
	"context"
	"fmt"

	"github.com/tutu-network/creditledger/internal/domain"
)

// ─── BalanceOracle ──────────────────────────────────────────────────────────

// EncryptedBalance returns owner's balance handle. It never decrypts. An
// unknown owner is materialized with an encrypted zero so the returned handle
// always refers to a real ciphertext the owner may decrypt.
func (l *Ledger) EncryptedBalance(ctx context.Context, owner domain.Address) (domain.Ciphertext, error) {
	acct, err := l.Account(ctx, owner)
	if err == nil {
		return acct.EncryptedBalance, nil
	}
	if !isNotFound(err) {
		return domain.Ciphertext{}, err
	}
	return l.materialize(ctx, owner)
}

func (l *Ledger) materialize(ctx context.Context, owner domain.Address) (c domain.Ciphertext, err error) {
	owner, err = normalize(owner)
	if err != nil {
		return c, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, done := l.observe(ctx, "materialize", owner)
	defer func() { done(err) }()

	err = l.store.InTx(ctx, func(tx domain.LedgerTx) error {
		acct, err := tx.GetAccount(owner)
		if err == nil {
			// Created by a writer between our read and the lock.
			c = acct.EncryptedBalance
			return nil
		}
		if acct, err = l.loadOrCreate(ctx, tx, owner); err != nil {
			return err
		}
		if err := tx.PutAccount(acct); err != nil {
			return fmt.Errorf("put account: %w", err)
		}
		c = acct.EncryptedBalance
		return nil
	})
	return c, err
}
