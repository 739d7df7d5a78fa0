package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tutu-network/creditledger/internal/infra/observability"
)

// traceRequest makes the chi request ID the trace ID of every span the
// request produces.
func traceRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(observability.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// GET /v1/debug/spans?limit=N
func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "invalid_request_error", "bad_limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recorded": s.tracer.SpanCount(),
		"spans":    s.tracer.Spans(limit),
	})
}

// GET /v1/payouts/stats
func (s *Server) handlePayoutStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.payouts.Stats())
}
