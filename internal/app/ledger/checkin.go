package ledger

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/observability"
)

// ─── CheckInScheduler ───────────────────────────────────────────────────────
// NEVER → IN_COOLDOWN → ELIGIBLE → IN_COOLDOWN → …

// CheckIn grants the daily reward once per cooldown window.
func (l *Ledger) CheckIn(ctx context.Context, owner domain.Address) (res domain.CheckInResult, err error) {
	owner, err = normalize(owner)
	if err != nil {
		return res, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, done := l.observe(ctx, "checkin", owner)
	defer func() { done(err) }()

	var ev *domain.Event
	err = l.store.InTx(ctx, func(tx domain.LedgerTx) error {
		now := l.clock.Now().Unix()

		acct, err := l.loadOrCreate(ctx, tx, owner)
		if err != nil {
			return err
		}
		if acct.CheckInStateAt(now, l.cfg.CooldownSeconds) == domain.CheckInCooldown {
			return fmt.Errorf("%w: next in %ds", domain.ErrAlreadyCheckedIn,
				acct.SecondsUntilCheckIn(now, l.cfg.CooldownSeconds))
		}

		reward, err := l.backend.Encrypt(ctx, l.cfg.DailyReward)
		if err != nil {
			return backendErr("encrypt reward", err)
		}
		balance, err := l.backend.Add(ctx, acct.EncryptedBalance, reward)
		if err != nil {
			return backendErr("add reward", err)
		}
		if err := l.backend.Allow(ctx, balance, owner); err != nil {
			return backendErr("allow", err)
		}

		acct.EncryptedBalance = balance
		acct.LastCheckIn = now
		acct.CheckInCount++
		if err := tx.PutAccount(acct); err != nil {
			return fmt.Errorf("put account: %w", err)
		}

		ev = l.newEvent(domain.EventCheckedIn, owner, now)
		ev.Amount = l.cfg.DailyReward
		if err := tx.AppendEvent(ev); err != nil {
			return fmt.Errorf("append event: %w", err)
		}

		res = domain.CheckInResult{Rewarded: true, Timestamp: now, Reward: l.cfg.DailyReward}
		return nil
	})
	if err != nil {
		return domain.CheckInResult{}, err
	}

	observability.CheckIns.Inc()
	observability.CreditsGranted.WithLabelValues("checkin").Add(float64(l.cfg.DailyReward))
	l.log.WithFields(logrus.Fields{"owner": owner, "reward": l.cfg.DailyReward}).Info("checked in")
	l.publish(ev)
	return res, nil
}

// CanCheckInToday reports whether a check-in would succeed now.
func (l *Ledger) CanCheckInToday(ctx context.Context, owner domain.Address) (bool, error) {
	acct, err := l.peek(ctx, owner)
	if err != nil {
		return false, err
	}
	return acct.CheckInStateAt(l.clock.Now().Unix(), l.cfg.CooldownSeconds) != domain.CheckInCooldown, nil
}

// TimeUntilNextCheckIn returns the seconds until a check-in is allowed (0 if now).
func (l *Ledger) TimeUntilNextCheckIn(ctx context.Context, owner domain.Address) (int64, error) {
	acct, err := l.peek(ctx, owner)
	if err != nil {
		return 0, err
	}
	return acct.SecondsUntilCheckIn(l.clock.Now().Unix(), l.cfg.CooldownSeconds), nil
}

// peek reads an account without creating it; a missing account is nil.
func (l *Ledger) peek(ctx context.Context, owner domain.Address) (*domain.Account, error) {
	acct, err := l.Account(ctx, owner)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	return acct, nil
}
