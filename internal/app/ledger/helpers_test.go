package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/fhe"
	"github.com/tutu-network/creditledger/internal/infra/sqlite"
)

const (
	testOwner = domain.Address("0xowner")
	alice     = domain.Address("0xalice")
	bob       = domain.Address("0xbob")
)

// ─── Fake Clock ─────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ─── Event Recorder ─────────────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// ─── Faulty Backend ─────────────────────────────────────────────────────────

var errInjected = errors.New("injected backend fault")

// faultyBackend fails the n-th call (1-based) of one operation kind.
type faultyBackend struct {
	*fhe.LocalBackend
	mu    sync.Mutex
	op    string
	n     int
	calls int
	block bool // wait for ctx instead of failing
}

func (f *faultyBackend) hit(ctx context.Context, op string) error {
	f.mu.Lock()
	if op != f.op {
		f.mu.Unlock()
		return nil
	}
	f.calls++
	fire := f.calls == f.n
	f.mu.Unlock()
	if !fire {
		return nil
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return errInjected
}

func (f *faultyBackend) Encrypt(ctx context.Context, v uint64) (domain.Ciphertext, error) {
	if err := f.hit(ctx, fhe.OpEncrypt); err != nil {
		return domain.Ciphertext{}, err
	}
	return f.LocalBackend.Encrypt(ctx, v)
}

func (f *faultyBackend) Add(ctx context.Context, a, b domain.Ciphertext) (domain.Ciphertext, error) {
	if err := f.hit(ctx, fhe.OpAdd); err != nil {
		return domain.Ciphertext{}, err
	}
	return f.LocalBackend.Add(ctx, a, b)
}

func (f *faultyBackend) Select(ctx context.Context, c, a, b domain.Ciphertext) (domain.Ciphertext, error) {
	if err := f.hit(ctx, fhe.OpSelect); err != nil {
		return domain.Ciphertext{}, err
	}
	return f.LocalBackend.Select(ctx, c, a, b)
}

func (f *faultyBackend) Allow(ctx context.Context, c domain.Ciphertext, viewer domain.Address) error {
	if err := f.hit(ctx, fhe.OpAllow); err != nil {
		return err
	}
	return f.LocalBackend.Allow(ctx, c, viewer)
}

// ─── Harness ────────────────────────────────────────────────────────────────

type harness struct {
	t       *testing.T
	dir     string
	db      *sqlite.DB
	fhe     *fhe.LocalBackend
	backend domain.HomomorphicBackend
	clock   *fakeClock
	events  *recorder
	ledger  *Ledger
}

type harnessOpt func(*harness, *Config)

func withBackend(wrap func(*fhe.LocalBackend) domain.HomomorphicBackend) harnessOpt {
	return func(h *harness, _ *Config) { h.backend = wrap(h.fhe) }
}

func withConfig(fn func(*Config)) harnessOpt {
	return func(_ *harness, c *Config) { fn(c) }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir(), clock: newFakeClock(), events: &recorder{}}

	var err error
	h.fhe, err = fhe.NewLocalBackend(fhe.NewMemoryStore(), []byte("ledger-test-seed"))
	require.NoError(t, err)
	h.backend = h.fhe

	cfg := DefaultConfig(testOwner)
	for _, opt := range opts {
		opt(h, &cfg)
	}
	h.open(cfg)
	return h
}

func (h *harness) open(cfg Config) {
	h.t.Helper()
	db, err := sqlite.Open(h.dir)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { db.Close() })
	h.db = db

	l, err := New(context.Background(), cfg, db, h.backend,
		WithClock(h.clock), WithEventSink(h.events))
	require.NoError(h.t, err)
	h.ledger = l
}

// encryptFor produces a client input ciphertext usable by owner.
func (h *harness) encryptFor(owner domain.Address, v uint64) domain.Ciphertext {
	h.t.Helper()
	ctx := context.Background()
	c, err := h.fhe.Encrypt(ctx, v)
	require.NoError(h.t, err)
	require.NoError(h.t, h.fhe.Allow(ctx, c, owner))
	return c
}

func (h *harness) decrypt(owner domain.Address, c domain.Ciphertext) domain.Plaintext {
	h.t.Helper()
	p, err := h.fhe.Decrypt(context.Background(), c, h.fhe.IssueViewingKey(owner))
	require.NoError(h.t, err)
	return p
}

func (h *harness) balance(owner domain.Address) uint64 {
	h.t.Helper()
	c, err := h.ledger.EncryptedBalance(context.Background(), owner)
	require.NoError(h.t, err)
	return h.decrypt(owner, c).Value
}

func (h *harness) treasury() domain.Gwei {
	h.t.Helper()
	v, err := h.ledger.ContractBalance(context.Background())
	require.NoError(h.t, err)
	return v
}

func (h *harness) payouts() []domain.Payout {
	h.t.Helper()
	ps, err := h.db.ListPayouts(context.Background(), "", 100)
	require.NoError(h.t, err)
	return ps
}
