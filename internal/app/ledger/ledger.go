// Package ledger implements the confidential credit ledger.
//
// Every mutating call is one atomic state transition: the ledger-wide write
// lock serializes callers, and all store writes of one call share a single
// transaction that rolls back on any error, including backend failures and
// timeouts. Balances only ever flow through the HomomorphicBackend; nothing
// in this package decrypts.
//
// Components:
//   - CheckInScheduler   (checkin.go)  time-gated daily reward
//   - PurchaseGateway    (purchase.go) fixed-price credit purchase with refund
//   - ConsumptionEngine  (consume.go)  oblivious encrypted decrement
//   - TreasuryWithdrawal (treasury.go) owner-only withdrawal
//   - BalanceOracle      (oracle.go)   encrypted balance handles and queries
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/dsa"
	"github.com/tutu-network/creditledger/internal/infra/observability"
)

// Config holds the ledger-wide parameters.
type Config struct {
	Owner           domain.Address
	CreditPrice     domain.Gwei   // per credit (default 0.01 ETH)
	DailyReward     uint64        // credits per check-in (default 10)
	CooldownSeconds int64         // check-in window (default 86400)
	MaxPurchase     uint64        // credits per purchase (default 1_000_000)
	BackendTimeout  time.Duration // per operation; 0 disables
}

// DefaultConfig returns production defaults for owner.
func DefaultConfig(owner domain.Address) Config {
	return Config{
		Owner:           owner,
		CreditPrice:     domain.DefaultCreditPrice,
		DailyReward:     domain.DefaultDailyReward,
		CooldownSeconds: domain.DefaultCooldownSeconds,
		MaxPurchase:     domain.DefaultMaxPurchase,
		BackendTimeout:  10 * time.Second,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	switch {
	case !c.Owner.Valid():
		return fmt.Errorf("%w: owner %q", domain.ErrInvalidAccount, c.Owner)
	case c.CreditPrice == 0:
		return errors.New("credit price must be > 0")
	case c.DailyReward == 0:
		return errors.New("daily reward must be > 0")
	case c.CooldownSeconds <= 0:
		return errors.New("cooldown must be > 0")
	case c.MaxPurchase == 0:
		return errors.New("max purchase must be > 0")
	case c.BackendTimeout < 0:
		return errors.New("backend timeout must be >= 0")
	}
	return nil
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock.
func WithClock(c domain.Clock) Option { return func(l *Ledger) { l.clock = c } }

// WithEventSink receives every committed event.
func WithEventSink(s domain.EventSink) Option { return func(l *Ledger) { l.sink = s } }

// WithTracer records a span per operation.
func WithTracer(t *observability.Tracer) Option { return func(l *Ledger) { l.tracer = t } }

// WithNonceFilter sizes the replay fast path.
func WithNonceFilter(cfg dsa.BloomConfig) Option {
	return func(l *Ledger) { l.nonces = dsa.NewNonceFilter(cfg) }
}

// Ledger is the confidential credit ledger.
type Ledger struct {
	mu      sync.RWMutex
	cfg     Config
	store   domain.LedgerStore
	backend domain.HomomorphicBackend
	clock   domain.Clock
	sink    domain.EventSink
	tracer  *observability.Tracer
	nonces  *dsa.NonceFilter
	log     *logrus.Entry
}

// New opens a ledger over store and backend. The configured owner is
// persisted on first use; reopening a store with a different owner fails with
// domain.ErrOwnerMismatch.
func New(ctx context.Context, cfg Config, store domain.LedgerStore, backend domain.HomomorphicBackend, opts ...Option) (*Ledger, error) {
	cfg.Owner = domain.NormalizeAddress(string(cfg.Owner))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ledger config: %w", err)
	}
	if store == nil || backend == nil {
		return nil, errors.New("ledger: store and backend are required")
	}

	l := &Ledger{
		cfg:     cfg,
		store:   store,
		backend: backend,
		clock:   domain.SystemClock{},
		log:     logrus.WithField("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.nonces == nil {
		l.nonces = dsa.NewNonceFilter(dsa.DefaultBloomConfig())
	}

	if err := store.InitState(ctx, cfg.Owner); err != nil {
		return nil, fmt.Errorf("init state: %w", err)
	}
	_, treasury, err := store.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	observability.TreasuryBalance.Set(float64(treasury))

	if err := store.ForEachNonce(ctx, func(owner domain.Address, nonce string) {
		l.nonces.Add(string(owner), nonce)
	}); err != nil {
		return nil, fmt.Errorf("warm nonce filter: %w", err)
	}
	observability.NonceFilterFPRate.Set(l.nonces.EstimatedFPRate())

	l.log.WithFields(logrus.Fields{
		"owner":    cfg.Owner,
		"price":    cfg.CreditPrice.String(),
		"treasury": treasury.String(),
		"nonces":   l.nonces.Count(),
		"scheme":   backend.Scheme(),
	}).Info("ledger opened")
	return l, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// State returns the global state including the current treasury.
func (l *Ledger) State(ctx context.Context) (domain.GlobalState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	owner, treasury, err := l.store.LoadState(ctx)
	if err != nil {
		return domain.GlobalState{}, err
	}
	return domain.GlobalState{
		Owner:           owner,
		Treasury:        treasury,
		CreditPrice:     l.cfg.CreditPrice,
		DailyReward:     l.cfg.DailyReward,
		CooldownSeconds: l.cfg.CooldownSeconds,
		MaxPurchase:     l.cfg.MaxPurchase,
	}, nil
}

// Account returns the stored account (domain.ErrAccountNotFound if none).
func (l *Ledger) Account(ctx context.Context, owner domain.Address) (*domain.Account, error) {
	owner, err := normalize(owner)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.GetAccount(ctx, owner)
}

// Events returns recent events, newest first. An empty owner lists all.
func (l *Ledger) Events(ctx context.Context, owner domain.Address, limit int) ([]domain.Event, error) {
	if owner != "" {
		var err error
		if owner, err = normalize(owner); err != nil {
			return nil, err
		}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.ListEvents(ctx, owner, limit)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func normalize(owner domain.Address) (domain.Address, error) {
	a := domain.NormalizeAddress(string(owner))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidAccount, owner)
	}
	return a, nil
}

// observe starts the span, metrics and backend deadline for one operation.
// The returned func must be called with the operation's final error.
func (l *Ledger) observe(ctx context.Context, op string, owner domain.Address) (context.Context, func(error)) {
	start := time.Now()
	span := l.tracer.StartSpan(ctx, op, map[string]string{"owner": string(owner)})

	var cancel context.CancelFunc
	if l.cfg.BackendTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, l.cfg.BackendTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	return ctx, func(err error) {
		cancel()
		l.tracer.EndSpan(span, err)
		observability.ObserveOp(op, start, err)
		if err != nil {
			entry := l.log.WithFields(logrus.Fields{"op": op, "owner": owner}).WithError(err)
			if isFatal(err) {
				entry.Error("operation aborted")
			} else {
				entry.Debug("operation rejected")
			}
		}
	}
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrAccountNotFound) }

// isFatal reports errors that abort an operation for reasons other than
// caller input.
func isFatal(err error) bool {
	return errors.Is(err, domain.ErrBackend) || errors.Is(err, domain.ErrArithmeticOverflow) ||
		errors.Is(err, context.DeadlineExceeded)
}

// backendErr wraps a backend failure. Typed input errors pass through;
// everything else becomes domain.ErrBackend.
func backendErr(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrBackend),
		errors.Is(err, domain.ErrInvalidCiphertext),
		errors.Is(err, domain.ErrUnauthorizedViewer):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", domain.ErrBackend, op, err)
	}
}

// loadOrCreate returns owner's account, creating it with an encrypted zero
// balance visible to the owner when absent. The caller persists it.
func (l *Ledger) loadOrCreate(ctx context.Context, tx domain.LedgerTx, owner domain.Address) (*domain.Account, error) {
	acct, err := tx.GetAccount(owner)
	if err == nil {
		return acct, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("load account: %w", err)
	}

	zero, err := l.backend.Encrypt(ctx, 0)
	if err != nil {
		return nil, backendErr("encrypt zero", err)
	}
	if err := l.backend.Allow(ctx, zero, owner); err != nil {
		return nil, backendErr("allow", err)
	}
	l.log.WithField("owner", owner).Debug("account created")
	return &domain.Account{Owner: owner, EncryptedBalance: zero}, nil
}

func (l *Ledger) newEvent(kind domain.EventKind, owner domain.Address, now int64) *domain.Event {
	return &domain.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Owner:     owner,
		Timestamp: now,
	}
}

// publish hands a committed event to the sink.
func (l *Ledger) publish(ev *domain.Event) {
	if l.sink != nil && ev != nil {
		l.sink.Publish(*ev)
	}
}
