// Package observability provides ledger metrics and operation tracing.
//
// This provides:
//   - Trace spans for every ledger operation (checkin, purchase, consume, withdraw, balance)
//   - Trace ID propagation through context
//   - Prometheus metrics for ledger activity, backend usage and payouts
package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tutu-network/creditledger/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans
// ═══════════════════════════════════════════════════════════════════════════

// SpanKind classifies a span.
type SpanKind int

const (
	SpanInternal SpanKind = iota
	SpanServer
	SpanClient
)

// Span represents one traced unit of work.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	Operation string            `json:"operation"`
	Kind      SpanKind          `json:"kind"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer keeps recent spans in a ring buffer for inspection.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 10_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 10_000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = 10_000
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a new span. The caller must call EndSpan.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if t == nil || !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		Operation: operation,
		Kind:      SpanInternal,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	out := make([]Span, limit)
	copy(out, t.spans[len(t.spans)-limit:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const traceIDKey contextKey = "creditledger-trace-id"

// WithTraceID returns a context whose spans share traceID. The API sets it
// to the request ID so spans can be matched to access logs.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace ID carried by ctx, if any.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	return v, ok
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := TraceIDFromContext(ctx); ok {
		return v
	}
	return generateID()
}

func generateID() string { return uuid.NewString() }

// ═══════════════════════════════════════════════════════════════════════════
// Ledger Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

const namespace = "creditledger"

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// CheckIns tracks successful daily check-ins.
var CheckIns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "checkins_total",
	Help:      "Total successful daily check-ins.",
})

// Purchases tracks successful credit purchases.
var Purchases = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "purchases_total",
	Help:      "Total successful credit purchases.",
})

// CreditsGranted tracks plaintext credits added by source.
var CreditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "credits_granted_total",
	Help:      "Total credits granted by source (checkin, purchase).",
}, []string{"source"})

// NonceFilterFPRate tracks the estimated false positive rate of the replay
// filter. A rising value means more consumptions fall through to the nonce table.
var NonceFilterFPRate = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "nonce_filter_fp_rate",
	Help:      "Estimated false positive rate of the nonce replay filter.",
})

// Consumptions tracks consumption requests. Success is confidential, so only
// attempts are counted.
var Consumptions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "consumptions_total",
	Help:      "Total processed consumption requests.",
})

// DuplicateRequests tracks replayed consumption nonces.
var DuplicateRequests = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "duplicate_requests_total",
	Help:      "Total consumption requests rejected as replays.",
})

// Withdrawals tracks treasury withdrawals.
var Withdrawals = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "treasury",
	Name:      "withdrawals_total",
	Help:      "Total treasury withdrawals.",
})

// TreasuryBalance tracks the current treasury in gwei.
var TreasuryBalance = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "treasury",
	Name:      "balance_gwei",
	Help:      "Current treasury balance in gwei.",
})

// OperationDuration tracks ledger operation latency.
var OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "operation_duration_seconds",
	Help:      "Ledger operation latency by operation.",
	Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
}, []string{"op"})

// OperationErrors tracks failed ledger operations by error kind.
var OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "operation_errors_total",
	Help:      "Total failed ledger operations by operation and error kind.",
}, []string{"op", "kind"})

// ─── Backend Metrics ────────────────────────────────────────────────────────

// BackendOps tracks homomorphic backend calls by kind.
var BackendOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "fhe",
	Name:      "ops_total",
	Help:      "Total homomorphic backend operations by kind.",
}, []string{"op"})

// ─── Payout Metrics ─────────────────────────────────────────────────────────

// Payouts tracks payout attempts by reason and outcome.
var Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payout",
	Name:      "attempts_total",
	Help:      "Total payout attempts by reason and status.",
}, []string{"reason", "status"})

// PayoutsPending tracks retryable outbox depth after each drain.
var PayoutsPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "payout",
	Name:      "pending",
	Help:      "Payouts awaiting a send attempt.",
})

// PayoutsParked tracks payouts that exhausted their attempts.
var PayoutsParked = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "payout",
	Name:      "parked",
	Help:      "Failed payouts no longer retried; need operator action.",
})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})

// ─── Helpers ────────────────────────────────────────────────────────────────

// ObserveOp records latency and, on failure, the error kind of one operation.
func ObserveOp(op string, start time.Time, err error) {
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		OperationErrors.WithLabelValues(op, ErrorKind(err)).Inc()
	}
}

// ErrorKind maps an error to a low-cardinality label.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, domain.ErrAlreadyCheckedIn):
		return "already_checked_in"
	case errors.Is(err, domain.ErrAmountZero):
		return "amount_zero"
	case errors.Is(err, domain.ErrAmountTooLarge):
		return "amount_too_large"
	case errors.Is(err, domain.ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, domain.ErrInvalidNonce):
		return "invalid_nonce"
	case errors.Is(err, domain.ErrInvalidCiphertext):
		return "invalid_ciphertext"
	case errors.Is(err, domain.ErrNotOwner):
		return "not_owner"
	case errors.Is(err, domain.ErrArithmeticOverflow):
		return "overflow"
	case errors.Is(err, domain.ErrUnauthorizedViewer):
		return "unauthorized_viewer"
	case errors.Is(err, domain.ErrBackend), errors.Is(err, context.DeadlineExceeded):
		return "backend"
	default:
		return "internal"
	}
}
