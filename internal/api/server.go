// Package api provides the HTTP server for the credit ledger.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/app/ledger"
	"github.com/tutu-network/creditledger/internal/app/payout"
	"github.com/tutu-network/creditledger/internal/domain"
	"github.com/tutu-network/creditledger/internal/infra/observability"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// Server is the credit ledger HTTP API server.
type Server struct {
	ledger         *ledger.Ledger
	backend        domain.HomomorphicBackend
	metricsEnabled bool
	hub            *EventHub    // live event SSE feed (nil if not set)
	limiter        *RateLimiter // per-client limits (nil disables)
	tracer         *observability.Tracer
	payouts        *payout.Dispatcher
	log            *logrus.Entry
}

// NewServer creates a new API server.
func NewServer(l *ledger.Ledger, backend domain.HomomorphicBackend) *Server {
	return &Server{ledger: l, backend: backend, log: logrus.WithField("component", "api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetEventHub sets the live event SSE hub.
func (s *Server) SetEventHub(h *EventHub) { s.hub = h }

// SetRateLimiter enables per-client rate limiting on /v1.
func (s *Server) SetRateLimiter(l *RateLimiter) { s.limiter = l }

// SetTracer exposes recorded spans on /v1/debug/spans and tags ledger spans
// with the request ID.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetPayouts exposes dispatcher stats on /v1/payouts/stats.
func (s *Server) SetPayouts(d *payout.Dispatcher) { s.payouts = d }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(traceRequest)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Get("/state", s.handleState)
		r.Get("/treasury", s.handleTreasury)
		r.Post("/treasury/withdraw", s.handleWithdraw)

		r.Route("/accounts/{owner}", func(r chi.Router) {
			r.Post("/checkin", s.handleCheckIn)
			r.Get("/checkin", s.handleCheckInStatus)
			r.Post("/purchases", s.handleBuyCredits)
			r.Post("/consume", s.handleConsume)
			r.Get("/balance", s.handleBalance)
			r.Get("/events", s.handleEvents)
		})

		r.Post("/fhe/encrypt", s.handleEncrypt)
		r.Post("/fhe/decrypt", s.handleDecrypt)

		if s.payouts != nil {
			r.Get("/payouts/stats", s.handlePayoutStats)
		}
		if s.tracer != nil {
			r.Get("/debug/spans", s.handleSpans)
		}
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Live event SSE feed
	if s.hub != nil {
		r.Get("/api/events/live", s.hub.HandleEventsSSE)
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg, typ, code string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    typ,
			"code":    code,
		},
	})
}

// writeLedgerError maps a ledger error onto an HTTP status and error code.
func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	typ := "invalid_request_error"
	if status >= 500 {
		typ = "server_error"
		s.log.WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
	}
	writeError(w, status, err.Error(), typ, code)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAlreadyCheckedIn):
		return http.StatusConflict, "already_checked_in"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, domain.ErrAmountZero):
		return http.StatusBadRequest, "amount_zero"
	case errors.Is(err, domain.ErrAmountTooLarge):
		return http.StatusBadRequest, "amount_too_large"
	case errors.Is(err, domain.ErrInvalidNonce):
		return http.StatusBadRequest, "invalid_nonce"
	case errors.Is(err, domain.ErrInvalidCiphertext):
		return http.StatusBadRequest, "invalid_ciphertext"
	case errors.Is(err, domain.ErrInvalidAccount):
		return http.StatusBadRequest, "invalid_account"
	case errors.Is(err, domain.ErrInsufficientPayment):
		return http.StatusPaymentRequired, "insufficient_payment"
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden, "not_owner"
	case errors.Is(err, domain.ErrUnauthorizedViewer):
		return http.StatusForbidden, "unauthorized_viewer"
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, domain.ErrArithmeticOverflow):
		return http.StatusInternalServerError, "arithmetic_overflow"
	case errors.Is(err, domain.ErrBackend):
		return http.StatusInternalServerError, "backend_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Caller")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
