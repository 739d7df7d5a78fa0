package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/api"
	"github.com/tutu-network/creditledger/internal/app/ledger"
	"github.com/tutu-network/creditledger/internal/app/payout"
	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/fhe"
	"github.com/tutu-network/creditledger/internal/infra/observability"
	"github.com/tutu-network/creditledger/internal/infra/sqlite"
)

// Daemon owns every long-lived component of a running ledger node.
type Daemon struct {
	cfg  Config
	home string

	DB      *sqlite.DB
	ciphers *sqlite.CiphertextDB
	Backend *fhe.LocalBackend
	Ledger  *ledger.Ledger
	Payouts *payout.Dispatcher
	Hub     *api.EventHub
	Tracer  *observability.Tracer
	Limiter *api.RateLimiter // nil when rate limiting is off

	cron *cron.Cron
	log  *logrus.Entry
}

// Open validates cfg and assembles the daemon from home. The caller must Close it.
func Open(ctx context.Context, home string, cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	lcfg, err := cfg.LedgerParams()
	if err != nil {
		return nil, err
	}
	pcfg, err := cfg.PayoutParams()
	if err != nil {
		return nil, err
	}
	seed, err := cfg.Seed()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		home:   home,
		Hub:    api.NewEventHub(),
		Tracer: observability.NewTracer(observability.DefaultTracerConfig()),
		log:    logrus.WithField("component", "daemon"),
	}
	if cfg.API.RateLimitRPS > 0 {
		d.Limiter = api.NewRateLimiter(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
	}

	if d.DB, err = sqlite.Open(home); err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if d.ciphers, err = sqlite.OpenCiphertexts(home); err != nil {
		d.Close()
		return nil, fmt.Errorf("open ciphertext db: %w", err)
	}
	if d.Backend, err = fhe.NewLocalBackend(fhe.NewSQLStore(d.ciphers), seed); err != nil {
		d.Close()
		return nil, err
	}
	d.Ledger, err = ledger.New(ctx, lcfg, d.DB, d.Backend,
		ledger.WithEventSink(d.Hub),
		ledger.WithTracer(d.Tracer),
	)
	if err != nil {
		d.Close()
		return nil, err
	}

	var rail domain.PaymentRail = payout.NewLogRail()
	if cfg.Payout.Rail == "webhook" {
		rail = payout.NewWebhookRail(cfg.Payout.WebhookURL, pcfg.DefaultTimeout)
	}
	d.Payouts = payout.New(pcfg, d.DB, rail)
	return d, nil
}

// Handler builds the HTTP API for this daemon.
func (d *Daemon) Handler() http.Handler {
	srv := api.NewServer(d.Ledger, d.Backend)
	srv.SetEventHub(d.Hub)
	srv.SetTracer(d.Tracer)
	srv.SetPayouts(d.Payouts)
	if d.cfg.API.Metrics {
		srv.EnableMetrics()
	}
	if d.Limiter != nil {
		srv.SetRateLimiter(d.Limiter)
	}
	return srv.Handler()
}

// ─── Background Jobs ────────────────────────────────────────────────────────

// limiterSweep is how often idle rate limiter buckets are dropped.
const limiterSweep = "@every 1m"

// StartJobs schedules payout draining, snapshots and rate limiter cleanup.
func (d *Daemon) StartJobs(ctx context.Context) error {
	d.cron = cron.New()

	if d.cfg.Payout.Schedule != "" {
		if _, err := d.cron.AddFunc(d.cfg.Payout.Schedule, func() { d.DrainPayouts(ctx) }); err != nil {
			return fmt.Errorf("payout.schedule: %w", err)
		}
	}
	if d.cfg.Snapshot.Schedule != "" {
		if _, err := d.cron.AddFunc(d.cfg.Snapshot.Schedule, func() {
			if _, err := d.Snapshot(ctx); err != nil {
				d.log.WithError(err).Error("snapshot failed")
			}
		}); err != nil {
			return fmt.Errorf("snapshot.schedule: %w", err)
		}
	}
	if d.Limiter != nil {
		if _, err := d.cron.AddFunc(limiterSweep, d.SweepLimiter); err != nil {
			return err
		}
	}
	d.cron.Start()
	return nil
}

// DrainPayouts runs one outbox pass and logs failures.
func (d *Daemon) DrainPayouts(ctx context.Context) payout.DrainResult {
	res, err := d.Payouts.Drain(ctx)
	if err != nil {
		d.log.WithError(err).Error("payout drain failed")
	}
	return res
}

// SweepLimiter drops rate limiter buckets of clients gone idle.
func (d *Daemon) SweepLimiter() {
	if d.Limiter == nil {
		return
	}
	if n := d.Limiter.Cleanup(); n > 0 {
		d.log.WithFields(logrus.Fields{"removed": n, "tracked": d.Limiter.Len()}).Debug("rate limiter sweep")
	}
}

// Snapshot records current ledger totals and prunes expired snapshots.
func (d *Daemon) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	now := time.Now()
	snap, err := d.DB.TakeSnapshot(ctx, now)
	if err != nil {
		return snap, err
	}
	if keep := d.cfg.SnapshotRetention(); keep > 0 {
		if n, err := d.DB.PruneSnapshots(ctx, now.Add(-keep)); err != nil {
			d.log.WithError(err).Warn("prune snapshots")
		} else if n > 0 {
			d.log.WithField("pruned", n).Debug("pruned snapshots")
		}
	}
	d.log.WithFields(logrus.Fields{
		"accounts":        snap.Accounts,
		"treasury":        snap.Treasury.String(),
		"events":          snap.Events,
		"pending_payouts": snap.PendingPayouts,
	}).Info("ledger snapshot")
	return snap, nil
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.StartJobs(ctx); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              d.cfg.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.log.WithField("addr", httpSrv.Addr).Info("creditledger listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		d.log.WithError(err).Warn("http shutdown")
	}
	// Final pass so refunds committed just before shutdown are not delayed.
	d.DrainPayouts(shutCtx)
	return nil
}

// Close stops jobs and releases the databases.
func (d *Daemon) Close() error {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	var errs []error
	if d.ciphers != nil {
		errs = append(errs, d.ciphers.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}
