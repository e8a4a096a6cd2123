// Package observability holds voxnote's Prometheus metrics and a
// lightweight in-memory span recorder for credit-gated operations.
//
// Every gated call (check → confirm → execute → deduct) produces one span,
// so the last few thousand operations can be inspected without an
// external tracing backend.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Spans
// ═══════════════════════════════════════════════════════════════════════════

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span is a unit of work within a trace.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SetAttr sets an attribute on the span.
func (s *Span) SetAttr(key, value string) {
	if s == nil {
		return
	}
	if s.Attrs == nil {
		s.Attrs = make(map[string]string)
	}
	s.Attrs[key] = value
}

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer keeps the most recent spans in a ring buffer.
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
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a new span (caller must call EndSpan when done).
// A nil Tracer returns a detached span.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if t == nil || !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    uuid.NewString(),
		Operation: operation,
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
		span.SetAttr("error", err.Error())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans, oldest first. A limit
// of zero or less returns everything held.
func (t *Tracer) Spans(limit int) []Span {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const traceIDKey contextKey = "voxnote-trace-id"

// WithTraceID returns a context with the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Credit Metrics ─────────────────────────────────────────────────────────

// CreditBalance tracks the cached credit balance.
var CreditBalance = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "voxnote",
	Subsystem: "credits",
	Name:      "balance",
	Help:      "Current cached credit balance.",
})

// CreditsDeducted tracks credits spent by operation.
var CreditsDeducted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voxnote",
	Subsystem: "credits",
	Name:      "deducted_total",
	Help:      "Total credits deducted by operation.",
}, []string{"operation"})

// CreditsAdded tracks credits added by transaction type.
var CreditsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voxnote",
	Subsystem: "credits",
	Name:      "added_total",
	Help:      "Total credits added by transaction type.",
}, []string{"type"})

// CreditMutationFailures tracks mutations rolled back after a persist failure.
var CreditMutationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voxnote",
	Subsystem: "credits",
	Name:      "mutation_failures_total",
	Help:      "Balance mutations that failed to persist and were rolled back.",
}, []string{"type"})

// InsufficientCredits tracks rejected deductions.
var InsufficientCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voxnote",
	Subsystem: "credits",
	Name:      "insufficient_total",
	Help:      "Deductions rejected for insufficient balance.",
}, []string{"operation"})

// Purchases tracks purchase attempts by package and outcome.
var Purchases = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voxnote",
	Subsystem: "credits",
	Name:      "purchases_total",
	Help:      "Credit package purchases by package and outcome.",
}, []string{"package", "outcome"})

// ─── Gate Metrics ───────────────────────────────────────────────────────────

// GateOutcomes tracks gated operation outcomes.
var GateOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voxnote",
	Subsystem: "gate",
	Name:      "outcomes_total",
	Help:      "Gated operation outcomes (charged, insufficient, declined, failed, empty, charge_failed).",
}, []string{"operation", "outcome"})

// GateDuration tracks gated operation latency.
var GateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "voxnote",
	Subsystem: "gate",
	Name:      "duration_seconds",
	Help:      "Gated operation duration including confirmation.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"operation"})

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerCorruptions tracks unreadable balance records by cause.
var LedgerCorruptions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voxnote",
	Subsystem: "ledger",
	Name:      "corruptions_total",
	Help:      "Balance records rejected on read (decrypt, decode, integrity).",
}, []string{"cause"})

// LedgerWriteErrors tracks failed ledger writes by partition.
var LedgerWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voxnote",
	Subsystem: "ledger",
	Name:      "write_errors_total",
	Help:      "Failed ledger writes by partition.",
}, []string{"partition"})
