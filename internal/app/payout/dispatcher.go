// Package payout drains the payout outbox.
//
// Refunds and treasury withdrawals are written to the outbox inside the
// ledger transaction that creates them. The dispatcher:
//  1. Loads pending payouts, oldest first, in bounded batches
//  2. Sends each through the PaymentRail under a per-payout timeout
//  3. Runs at most MaxConcurrent transfers at once
//  4. Marks each payout sent, or failed with attempts+1 for a later retry
package payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/observability"
)

// Outbox is the persistence the dispatcher needs (implemented by *sqlite.DB).
type Outbox interface {
	PendingPayouts(ctx context.Context, maxAttempts, limit int) ([]domain.Payout, error)
	MarkPayoutSent(ctx context.Context, id string) error
	MarkPayoutFailed(ctx context.Context, id, reason string) error
	PayoutBacklog(ctx context.Context, maxAttempts int) (pending, parked int64, err error)
}

// Config controls dispatcher behavior.
type Config struct {
	MaxConcurrent  int           // Maximum concurrent transfers (default: 4)
	DefaultTimeout time.Duration // Per-payout timeout (default: 30s)
	MaxAttempts    int           // Attempts before a payout is parked (default: 5)
	BatchSize      int           // Payouts loaded per drain (default: 100)
}

// DefaultConfig returns safe dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		DefaultTimeout: 30 * time.Second,
		MaxAttempts:    5,
		BatchSize:      100,
	}
}

// Dispatcher moves committed payouts through a PaymentRail.
type Dispatcher struct {
	mu      sync.RWMutex
	drainMu sync.Mutex // one drain at a time
	config  Config
	outbox  Outbox
	rail    domain.PaymentRail
	sem     chan struct{}
	log     *logrus.Entry

	active  int
	sent    int64
	failed  int64
	drains  int64
	pending int64 // backlog as of the last drain
	parked  int64
}

// New creates a dispatcher.
func New(cfg Config, outbox Outbox, rail domain.PaymentRail) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Dispatcher{
		config: cfg,
		outbox: outbox,
		rail:   rail,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		log:    logrus.WithField("component", "payout"),
	}
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Drain sends every currently due payout once. It blocks until all
// transfers of the batch finished. Overlapping calls wait for each other.
func (d *Dispatcher) Drain(ctx context.Context) (DrainResult, error) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	var res DrainResult
	batch, err := d.outbox.PendingPayouts(ctx, d.config.MaxAttempts, d.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load pending payouts: %w", err)
	}

	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, p := range batch {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return res, ctx.Err()
		}
		wg.Add(1)
		go func(p domain.Payout) {
			defer wg.Done()
			ok := d.send(ctx, p)
			resMu.Lock()
			if ok {
				res.Sent++
			} else {
				res.Failed++
			}
			resMu.Unlock()
		}(p)
	}
	wg.Wait()

	pending, parked, err := d.outbox.PayoutBacklog(ctx, d.config.MaxAttempts)
	if err != nil {
		d.log.WithError(err).Warn("count payout backlog")
	} else {
		observability.PayoutsPending.Set(float64(pending))
		observability.PayoutsParked.Set(float64(parked))
	}

	d.mu.Lock()
	d.drains++
	if err == nil {
		d.pending, d.parked = pending, parked
	}
	d.mu.Unlock()

	if len(batch) > 0 {
		d.log.WithFields(logrus.Fields{"sent": res.Sent, "failed": res.Failed}).Info("payout drain finished")
	}
	return res, nil
}

// send runs one payout through the rail and records the outcome.
func (d *Dispatcher) send(ctx context.Context, p domain.Payout) bool {
	defer func() { <-d.sem }()

	d.mu.Lock()
	d.active++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.config.DefaultTimeout)
	defer cancel()

	entry := d.log.WithFields(logrus.Fields{
		"payout": p.ID,
		"to":     p.To,
		"amount": p.Amount.String(),
		"reason": p.Reason,
	})

	if err := d.rail.Send(sendCtx, p); err != nil {
		// Record with the parent context so a timed-out send is still marked.
		if mErr := d.outbox.MarkPayoutFailed(ctx, p.ID, err.Error()); mErr != nil {
			entry.WithError(mErr).Error("mark payout failed")
		}
		entry.WithError(err).WithField("attempt", p.Attempts+1).Warn("payout failed")
		observability.Payouts.WithLabelValues(string(p.Reason), string(domain.PayoutFailed)).Inc()
		d.mu.Lock()
		d.failed++
		d.mu.Unlock()
		return false
	}

	if err := d.outbox.MarkPayoutSent(ctx, p.ID); err != nil {
		// The transfer happened; the next drain will resend. Rails must
		// treat the payout ID as an idempotency key.
		entry.WithError(err).Error("mark payout sent")
	}
	entry.Info("payout sent")
	observability.Payouts.WithLabelValues(string(p.Reason), string(domain.PayoutSent)).Inc()
	d.mu.Lock()
	d.sent++
	d.mu.Unlock()
	return true
}

// Stats returns dispatcher statistics.
type Stats struct {
	Active    int   `json:"active"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Drains    int64 `json:"drains"`
	Pending   int64 `json:"pending"`
	Parked    int64 `json:"parked"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return Stats{
		Active:    d.active,
		Sent:      d.sent,
		Failed:    d.failed,
		Drains:    d.drains,
		Pending:   d.pending,
		Parked:    d.parked,
		MaxSlots:  d.config.MaxConcurrent,
		FreeSlots: d.config.MaxConcurrent - d.active,
	}
}
