package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/tutu-network/creditledger/internal/domain"
)

func TestServer_DebugSpans(t *testing.T) {
	env := setupServer(t, nil)
	env.do(t, http.MethodPost, "/v1/accounts/"+alice+"/checkin", nil, map[string]string{"X-Request-Id": "req-42"})

	code, resp := env.do(t, http.MethodGet, "/v1/debug/spans?limit=10", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("spans = %d %v", code, resp)
	}
	if resp["recorded"] != float64(env.tracer.SpanCount()) || env.tracer.SpanCount() == 0 {
		t.Errorf("recorded = %v, tracer has %d", resp["recorded"], env.tracer.SpanCount())
	}
	spans, _ := resp["spans"].([]interface{})
	if len(spans) == 0 {
		t.Fatal("no spans returned")
	}
	last := spans[len(spans)-1].(map[string]interface{})
	if last["operation"] != "checkin" {
		t.Errorf("operation = %v, want checkin", last["operation"])
	}
	if last["trace_id"] != "req-42" {
		t.Errorf("trace_id = %v, want the request ID", last["trace_id"])
	}

	code, resp = env.do(t, http.MethodGet, "/v1/debug/spans?limit=-1", nil, nil)
	if code != http.StatusBadRequest || errCode(resp) != "bad_limit" {
		t.Errorf("negative limit = %d %v", code, resp)
	}
}

func TestServer_PayoutStats(t *testing.T) {
	env := setupServer(t, nil)
	price := uint64(domain.DefaultCreditPrice)
	env.do(t, http.MethodPost, "/v1/accounts/"+alice+"/purchases", map[string]interface{}{"amount": 1, "paid": 2 * price}, nil)

	if _, err := env.payouts.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	code, resp := env.do(t, http.MethodGet, "/v1/payouts/stats", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("stats = %d %v", code, resp)
	}
	if resp["sent"] != float64(1) || resp["drains"] != float64(1) || resp["pending"] != float64(0) {
		t.Errorf("stats = %v", resp)
	}
}
