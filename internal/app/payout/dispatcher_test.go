package payout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/sqlite"
)

// mockRail implements domain.PaymentRail for testing.
type mockRail struct {
	mu      sync.Mutex
	sent    []domain.Payout
	err     error
	delay   time.Duration
	failFor map[domain.Address]bool
	peak    atomic.Int32
	cur     atomic.Int32
}

func (m *mockRail) Send(ctx context.Context, p domain.Payout) error {
	n := m.cur.Add(1)
	defer m.cur.Add(-1)
	for {
		old := m.peak.Load()
		if n <= old || m.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.err != nil || m.failFor[p.To] {
		return errors.Join(m.err, errors.New("rail down"))
	}
	m.mu.Lock()
	m.sent = append(m.sent, p)
	m.mu.Unlock()
	return nil
}

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitState(context.Background(), "0xowner"); err != nil {
		t.Fatalf("InitState() error: %v", err)
	}
	return db
}

func enqueue(t *testing.T, db *sqlite.DB, ps ...domain.Payout) {
	t.Helper()
	err := db.InTx(context.Background(), func(tx domain.LedgerTx) error {
		for i := range ps {
			if err := tx.EnqueuePayout(&ps[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func payout(id string, to domain.Address, amount domain.Gwei) domain.Payout {
	return domain.Payout{ID: id, To: to, Amount: amount, Reason: domain.PayoutRefund, CreatedAt: time.Now()}
}

// ─── Config Tests ───────────────────────────────────────────────────────────

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.MaxConcurrent)
	}
	if cfg.DefaultTimeout != 30*time.Second {
		t.Errorf("DefaultTimeout = %v, want 30s", cfg.DefaultTimeout)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
}

func TestNew_FillsZeroConfig(t *testing.T) {
	d := New(Config{}, newTestDB(t), &mockRail{})
	s := d.Stats()
	if s.MaxSlots != 4 || s.FreeSlots != 4 || s.Active != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

// ─── Drain Tests ────────────────────────────────────────────────────────────

func TestDrain_SendsAndMarks(t *testing.T) {
	db := newTestDB(t)
	rail := &mockRail{}
	enqueue(t, db, payout("p1", "0xa", 10), payout("p2", "0xb", 20))

	d := New(DefaultConfig(), db, rail)
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if res.Sent != 2 || res.Failed != 0 {
		t.Errorf("Drain() = %+v, want 2 sent", res)
	}
	if len(rail.sent) != 2 {
		t.Errorf("rail received %d payouts, want 2", len(rail.sent))
	}

	p, _ := db.GetPayout(context.Background(), "p1")
	if p.Status != domain.PayoutSent {
		t.Errorf("p1 status = %s, want sent", p.Status)
	}

	// Nothing left on a second pass.
	res, _ = d.Drain(context.Background())
	if res.Sent != 0 || res.Failed != 0 {
		t.Errorf("second Drain() = %+v, want empty", res)
	}
	if d.Stats().Drains != 2 {
		t.Errorf("Drains = %d, want 2", d.Stats().Drains)
	}
}

func TestDrain_RetriesUntilMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	rail := &mockRail{failFor: map[domain.Address]bool{"0xbad": true}}
	enqueue(t, db, payout("good", "0xgood", 1), payout("bad", "0xbad", 2))

	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	d := New(cfg, db, rail)
	ctx := context.Background()

	res, _ := d.Drain(ctx)
	if res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("first Drain() = %+v", res)
	}
	res, _ = d.Drain(ctx)
	if res.Failed != 1 {
		t.Errorf("second Drain() = %+v, want retry", res)
	}
	res, _ = d.Drain(ctx)
	if res.Failed != 0 || res.Sent != 0 {
		t.Errorf("third Drain() = %+v, want parked payout skipped", res)
	}

	p, _ := db.GetPayout(ctx, "bad")
	if p.Attempts != 2 || p.Status != domain.PayoutFailed || p.LastError == "" {
		t.Errorf("bad payout = %+v", p)
	}
	s := d.Stats()
	if s.Sent != 1 || s.Failed != 2 {
		t.Errorf("Stats() = %+v", s)
	}
	// The parked payout no longer counts as pending.
	if s.Pending != 0 || s.Parked != 1 {
		t.Errorf("backlog = %d pending, %d parked; want 0, 1", s.Pending, s.Parked)
	}
}

func TestDrain_Timeout(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, payout("slow", "0xa", 1))

	cfg := DefaultConfig()
	cfg.DefaultTimeout = 20 * time.Millisecond
	d := New(cfg, db, &mockRail{delay: time.Second})

	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Errorf("Drain() = %+v, want timeout failure", res)
	}
	p, _ := db.GetPayout(context.Background(), "slow")
	if p.Status != domain.PayoutFailed {
		t.Errorf("status = %s, want failed", p.Status)
	}
}

func TestDrain_BoundedConcurrency(t *testing.T) {
	db := newTestDB(t)
	var ps []domain.Payout
	for i := 0; i < 8; i++ {
		ps = append(ps, payout(string(rune('a'+i)), "0xa", 1))
	}
	enqueue(t, db, ps...)

	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	rail := &mockRail{delay: 10 * time.Millisecond}
	d := New(cfg, db, rail)

	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 8 {
		t.Errorf("Sent = %d, want 8", res.Sent)
	}
	if peak := rail.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

// ─── Rail Tests ─────────────────────────────────────────────────────────────

func TestLogRail(t *testing.T) {
	r := NewLogRail()
	if err := r.Send(context.Background(), payout("x", "0xa", 1)); err != nil {
		t.Errorf("Send() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Send(ctx, payout("x", "0xa", 1)); err == nil {
		t.Error("Send(cancelled) should fail")
	}
}

func TestWebhookRail(t *testing.T) {
	var got webhookPayload
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&got)
		if got.To == "0xreject" {
			http.Error(w, "nope", http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	r := NewWebhookRail(srv.URL, time.Second)
	p := payout("pay-1", "0xa", domain.DefaultCreditPrice)
	if err := r.Send(context.Background(), p); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if key != "pay-1" {
		t.Errorf("Idempotency-Key = %q, want pay-1", key)
	}
	if got.AmountWei != "10000000000000000" {
		t.Errorf("amount_wei = %s, want 1e16", got.AmountWei)
	}
	if got.Reason != "refund" {
		t.Errorf("reason = %s", got.Reason)
	}

	if err := r.Send(context.Background(), payout("pay-2", "0xreject", 1)); err == nil {
		t.Error("Send() should fail on non-2xx")
	}
}
