package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tutu-network/creditledger/internal/app/ledger"
	"github.com/tutu-network/creditledger/internal/app/payout"
	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/fhe"
	"github.com/tutu-network/creditledger/internal/infra/observability"
	"github.com/tutu-network/creditledger/internal/infra/sqlite"
)

const (
	testOwner = "0xowner"
	alice     = "0xalice"
)

type testEnv struct {
	srv     *httptest.Server
	backend *fhe.LocalBackend
	hub     *EventHub
	db      *sqlite.DB
	tracer  *observability.Tracer
	payouts *payout.Dispatcher
}

func setupServer(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	backend, err := fhe.NewLocalBackend(fhe.NewMemoryStore(), []byte("api-test-seed"))
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	hub := NewEventHub()
	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	l, err := ledger.New(context.Background(), ledger.DefaultConfig(testOwner), db, backend,
		ledger.WithEventSink(hub), ledger.WithTracer(tracer))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	payouts := payout.New(payout.DefaultConfig(), db, payout.NewLogRail())

	s := NewServer(l, backend)
	s.EnableMetrics()
	s.SetEventHub(hub)
	s.SetTracer(tracer)
	s.SetPayouts(payouts)
	if limiter != nil {
		s.SetRateLimiter(limiter)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, backend: backend, hub: hub, db: db, tracer: tracer, payouts: payouts}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, hdr map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func errCode(resp map[string]interface{}) string {
	e, _ := resp["error"].(map[string]interface{})
	c, _ := e["code"].(string)
	return c
}

// decryptVia posts a ciphertext map plus alice's viewing key to /v1/fhe/decrypt.
func (e *testEnv) decryptVia(t *testing.T, ct map[string]interface{}, owner string) (int, map[string]interface{}) {
	t.Helper()
	key := e.backend.IssueViewingKey(domain.Address(owner))
	return e.do(t, http.MethodPost, "/v1/fhe/decrypt", map[string]interface{}{
		"ciphertext":  ct,
		"viewing_key": key,
	}, nil)
}

// ─── Basic Endpoints ────────────────────────────────────────────────────────

func TestServer_Health(t *testing.T) {
	env := setupServer(t, nil)
	code, resp := env.do(t, http.MethodGet, "/health", nil, nil)
	if code != http.StatusOK || resp["status"] != "ok" {
		t.Errorf("health = %d %v", code, resp)
	}
	code, resp = env.do(t, http.MethodGet, "/api/version", nil, nil)
	if code != http.StatusOK || resp["version"] != Version {
		t.Errorf("version = %d %v", code, resp)
	}
}

func TestServer_Metrics(t *testing.T) {
	env := setupServer(t, nil)
	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestServer_State(t *testing.T) {
	env := setupServer(t, nil)
	code, resp := env.do(t, http.MethodGet, "/v1/state", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("state = %d", code)
	}
	if resp["owner"] != testOwner {
		t.Errorf("owner = %v", resp["owner"])
	}
	if resp["daily_reward"] != float64(10) {
		t.Errorf("daily_reward = %v", resp["daily_reward"])
	}
}

// ─── Check-In ───────────────────────────────────────────────────────────────

func TestServer_CheckIn(t *testing.T) {
	env := setupServer(t, nil)
	path := "/v1/accounts/" + alice + "/checkin"

	code, resp := env.do(t, http.MethodPost, path, nil, nil)
	if code != http.StatusOK || resp["rewarded"] != true {
		t.Fatalf("checkin = %d %v", code, resp)
	}

	code, resp = env.do(t, http.MethodPost, path, nil, nil)
	if code != http.StatusConflict || errCode(resp) != "already_checked_in" {
		t.Errorf("second checkin = %d %v", code, resp)
	}

	code, resp = env.do(t, http.MethodGet, path, nil, nil)
	if code != http.StatusOK || resp["can_check_in"] != false {
		t.Errorf("status = %d %v", code, resp)
	}
	if left, _ := resp["seconds_until_next"].(float64); left <= 0 {
		t.Errorf("seconds_until_next = %v, want > 0", resp["seconds_until_next"])
	}
}

// ─── Purchase ───────────────────────────────────────────────────────────────

func TestServer_BuyCredits(t *testing.T) {
	env := setupServer(t, nil)
	path := "/v1/accounts/" + alice + "/purchases"
	price := uint64(domain.DefaultCreditPrice)

	code, resp := env.do(t, http.MethodPost, path, map[string]interface{}{"amount": 5, "paid": 6 * price}, nil)
	if code != http.StatusOK {
		t.Fatalf("buy = %d %v", code, resp)
	}
	if resp["granted"] != float64(5) || resp["refund"] != float64(price) {
		t.Errorf("buy = %v", resp)
	}

	code, resp = env.do(t, http.MethodPost, path, map[string]interface{}{"amount": 5, "paid": price}, nil)
	if code != http.StatusPaymentRequired || errCode(resp) != "insufficient_payment" {
		t.Errorf("underpaid = %d %v", code, resp)
	}

	code, resp = env.do(t, http.MethodPost, path, map[string]interface{}{"amount": 0, "paid": price}, nil)
	if code != http.StatusBadRequest || errCode(resp) != "amount_zero" {
		t.Errorf("zero = %d %v", code, resp)
	}

	code, resp = env.do(t, http.MethodPost, path, map[string]interface{}{"amount": 1, "paid": price, "tip": 1}, nil)
	if code != http.StatusBadRequest || errCode(resp) != "bad_body" {
		t.Errorf("unknown field = %d %v", code, resp)
	}

	code, resp = env.do(t, http.MethodGet, "/v1/treasury", nil, nil)
	if code != http.StatusOK || resp["balance"] != float64(5*price) {
		t.Errorf("treasury = %d %v", code, resp)
	}
	if resp["display"] != "0.05 ETH" {
		t.Errorf("display = %v", resp["display"])
	}
}

// ─── Consume & Balance ──────────────────────────────────────────────────────

func TestServer_ConsumeAndDecrypt(t *testing.T) {
	env := setupServer(t, nil)
	base := "/v1/accounts/" + alice

	if code, _ := env.do(t, http.MethodPost, base+"/checkin", nil, nil); code != http.StatusOK {
		t.Fatalf("checkin = %d", code)
	}

	code, input := env.do(t, http.MethodPost, "/v1/fhe/encrypt", map[string]interface{}{"owner": alice, "value": 3}, nil)
	if code != http.StatusOK || input["handle"] == "" {
		t.Fatalf("encrypt = %d %v", code, input)
	}

	body := map[string]interface{}{"encrypted_amount": input, "nonce": "req-1"}
	code, result := env.do(t, http.MethodPost, base+"/consume", body, nil)
	if code != http.StatusOK {
		t.Fatalf("consume = %d %v", code, result)
	}

	code, pt := env.decryptVia(t, result, alice)
	if code != http.StatusOK || pt["flag"] != true {
		t.Errorf("result plaintext = %d %v", code, pt)
	}

	code, bal := env.do(t, http.MethodGet, base+"/balance", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("balance = %d", code)
	}
	code, pt = env.decryptVia(t, bal, alice)
	if code != http.StatusOK || pt["value"] != float64(7) {
		t.Errorf("balance plaintext = %d %v", code, pt)
	}

	// Replay of the same nonce.
	code, resp := env.do(t, http.MethodPost, base+"/consume", body, nil)
	if code != http.StatusConflict || errCode(resp) != "duplicate_request" {
		t.Errorf("replay = %d %v", code, resp)
	}

	code, resp = env.do(t, http.MethodPost, base+"/consume", map[string]interface{}{"encrypted_amount": input, "nonce": " "}, nil)
	if code != http.StatusBadRequest || errCode(resp) != "invalid_nonce" {
		t.Errorf("blank nonce = %d %v", code, resp)
	}

	// Another viewer may not read alice's balance.
	code, resp = env.decryptVia(t, bal, "0xmallory")
	if code != http.StatusForbidden || errCode(resp) != "unauthorized_viewer" {
		t.Errorf("foreign decrypt = %d %v", code, resp)
	}
}

func TestServer_ConsumeForeignCiphertext(t *testing.T) {
	env := setupServer(t, nil)
	_, input := env.do(t, http.MethodPost, "/v1/fhe/encrypt", map[string]interface{}{"owner": "0xbob", "value": 1}, nil)

	code, resp := env.do(t, http.MethodPost, "/v1/accounts/"+alice+"/consume",
		map[string]interface{}{"encrypted_amount": input, "nonce": "n"}, nil)
	if code != http.StatusBadRequest || errCode(resp) != "invalid_ciphertext" {
		t.Errorf("consume foreign input = %d %v", code, resp)
	}
}

func TestServer_Events(t *testing.T) {
	env := setupServer(t, nil)
	env.do(t, http.MethodPost, "/v1/accounts/"+alice+"/checkin", nil, nil)

	code, resp := env.do(t, http.MethodGet, "/v1/accounts/"+alice+"/events?limit=10", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("events = %d", code)
	}
	evs, _ := resp["events"].([]interface{})
	if len(evs) != 1 {
		t.Fatalf("events = %v, want 1", resp["events"])
	}
	if ev := evs[0].(map[string]interface{}); ev["kind"] != string(domain.EventCheckedIn) {
		t.Errorf("kind = %v", ev["kind"])
	}

	code, resp = env.do(t, http.MethodGet, "/v1/accounts/"+alice+"/events?limit=x", nil, nil)
	if code != http.StatusBadRequest || errCode(resp) != "bad_limit" {
		t.Errorf("bad limit = %d %v", code, resp)
	}
}

// ─── Treasury ───────────────────────────────────────────────────────────────

func TestServer_Withdraw(t *testing.T) {
	env := setupServer(t, nil)
	price := uint64(domain.DefaultCreditPrice)
	env.do(t, http.MethodPost, "/v1/accounts/"+alice+"/purchases", map[string]interface{}{"amount": 2, "paid": 2 * price}, nil)

	code, resp := env.do(t, http.MethodPost, "/v1/treasury/withdraw", nil, map[string]string{"X-Caller": alice})
	if code != http.StatusForbidden || errCode(resp) != "not_owner" {
		t.Errorf("non-owner withdraw = %d %v", code, resp)
	}

	code, resp = env.do(t, http.MethodPost, "/v1/treasury/withdraw", nil, map[string]string{"X-Caller": "0xOWNER"})
	if code != http.StatusOK || resp["amount"] != float64(2*price) {
		t.Errorf("withdraw = %d %v", code, resp)
	}

	_, resp = env.do(t, http.MethodGet, "/v1/treasury", nil, nil)
	if resp["balance"] != float64(0) {
		t.Errorf("treasury after withdraw = %v", resp["balance"])
	}
}

// ─── Errors & Limits ────────────────────────────────────────────────────────

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrAlreadyCheckedIn, 409, "already_checked_in"},
		{domain.ErrDuplicateRequest, 409, "duplicate_request"},
		{fmt.Errorf("wrap: %w", domain.ErrAmountTooLarge), 400, "amount_too_large"},
		{domain.ErrInvalidAccount, 400, "invalid_account"},
		{domain.ErrInsufficientPayment, 402, "insufficient_payment"},
		{domain.ErrNotOwner, 403, "not_owner"},
		{domain.ErrAccountNotFound, 404, "account_not_found"},
		{domain.ErrArithmeticOverflow, 500, "arithmetic_overflow"},
		{fmt.Errorf("%w: add: boom", domain.ErrBackend), 500, "backend_error"},
		{fmt.Errorf("disk full"), 500, "internal_error"},
	}
	for _, tt := range tests {
		status, code := errorStatus(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("errorStatus(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}
}

func TestServer_InvalidAccount(t *testing.T) {
	env := setupServer(t, nil)
	code, resp := env.do(t, http.MethodPost, "/v1/fhe/encrypt", map[string]interface{}{"owner": "  ", "value": 1}, nil)
	if code != http.StatusBadRequest || errCode(resp) != "invalid_account" {
		t.Errorf("encrypt blank owner = %d %v", code, resp)
	}
}

func TestServer_RateLimit(t *testing.T) {
	env := setupServer(t, NewRateLimiter(0.001, 1))

	hdr := map[string]string{"X-Caller": alice}
	if code, _ := env.do(t, http.MethodGet, "/v1/state", nil, hdr); code != http.StatusOK {
		t.Fatalf("first request = %d", code)
	}
	code, resp := env.do(t, http.MethodGet, "/v1/state", nil, hdr)
	if code != http.StatusTooManyRequests || errCode(resp) != "rate_limited" {
		t.Errorf("second request = %d %v", code, resp)
	}

	// A new X-Caller from the same client does not get a new bucket.
	code, _ = env.do(t, http.MethodGet, "/v1/state", nil, map[string]string{"X-Caller": "0xbob"})
	if code != http.StatusTooManyRequests {
		t.Errorf("rotated caller header = %d, want 429", code)
	}
	// Another client IP has its own bucket; /health is not limited.
	if code, _ := env.do(t, http.MethodGet, "/v1/state", nil, map[string]string{"X-Real-IP": "192.0.2.9"}); code != http.StatusOK {
		t.Errorf("other client = %d", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/health", nil, hdr); code != http.StatusOK {
		t.Errorf("health = %d", code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	env := setupServer(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/v1/state", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("preflight = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
