package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_PerCaller(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of 2 should pass")
	}
	if rl.Allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("caller b has its own bucket")
	}
	if rl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", rl.Len())
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow("a")
	rl.Allow("b")

	if n := rl.Cleanup(); n != 0 {
		t.Errorf("Cleanup() removed %d fresh limiters", n)
	}
	rl.idleTTL = -time.Second
	if n := rl.Cleanup(); n != 2 {
		t.Errorf("Cleanup() = %d, want 2", n)
	}
	if rl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", rl.Len())
	}
}

func TestCallerKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := callerKey(r); got != "10.0.0.1" {
		t.Errorf("callerKey() = %q, want IP", got)
	}
	r.Header.Set("X-Caller", "0xabc")
	if got := callerKey(r); got != "10.0.0.1" {
		t.Errorf("callerKey() = %q, X-Caller must not change the key", got)
	}
	r.RemoteAddr = "10.0.0.2"
	if got := callerKey(r); got != "10.0.0.2" {
		t.Errorf("callerKey(no port) = %q", got)
	}
}

func TestRateLimiter_RotatingCallerHeader(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	allowed := 0
	for i := 0; i < 200; i++ {
		r := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
		r.RemoteAddr = "10.0.0.7:4000"
		r.Header.Set("X-Caller", fmt.Sprintf("0xcaller%d", i))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code == http.StatusOK {
			allowed++
		}
	}
	if allowed != 1 {
		t.Errorf("allowed %d/200 requests from one IP, want 1", allowed)
	}
	if rl.Len() != 1 {
		t.Errorf("Len() = %d, want 1 limiter per IP", rl.Len())
	}
}
