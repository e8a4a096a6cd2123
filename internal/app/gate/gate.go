// Package gate wraps arbitrary operations in the credit protocol:
// check balance, confirm the cost, execute, and deduct only on success.
//
// The wrapped function keeps its signature. An aborted call returns the
// zero Out together with an *AbortError, which is never confused with a
// legitimate result because a legitimate result always comes with a nil
// error.
package gate

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/voxnote/voxnote/internal/domain"
	"github.com/voxnote/voxnote/internal/infra/observability"
)

// Func is a credit-agnostic operation.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

// Ledger is the part of the credit manager the gate needs.
type Ledger interface {
	LookupCost(op domain.Operation) (int64, bool)
	HasSufficientCredits(cost int64) bool
	CostPreview(op domain.Operation) domain.CostPreview
	DeductCredits(ctx context.Context, cost int64, operation string, metadata map[string]any) (int64, error)
}

// Confirmer asks the user to accept a cost preview.
type Confirmer interface {
	Confirm(ctx context.Context, preview domain.CostPreview) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, preview domain.CostPreview) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, p domain.CostPreview) (bool, error) {
	return f(ctx, p)
}

// Preconfirmed answers every preview with ok. Used when the caller has
// already shown the preview, e.g. an HTTP request carrying confirm=true.
func Preconfirmed(ok bool) Confirmer {
	return ConfirmFunc(func(context.Context, domain.CostPreview) (bool, error) { return ok, nil })
}

// AbortError reports a call stopped before the operation ran.
type AbortError struct {
	Reason  error // domain.ErrInsufficientCredits or domain.ErrDeclined
	Preview domain.CostPreview
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%s aborted: %v", e.Preview.Operation, e.Reason)
}

func (e *AbortError) Unwrap() error { return e.Reason }

// ─── Options ────────────────────────────────────────────────────────────────

type options struct {
	confirm        Confirmer
	onInsufficient func(ctx context.Context, preview domain.CostPreview)
	describe       func(in any) map[string]any
	tracer         *observability.Tracer
	logger         *zap.Logger
}

// Option configures a wrapped operation.
type Option func(*options)

// WithConfirmer sets the confirmation step. Without one, calls proceed
// as if confirmed.
func WithConfirmer(c Confirmer) Option {
	return func(o *options) { o.confirm = c }
}

// OnInsufficient registers a hook run when the balance is too low, e.g.
// to open the purchase flow.
func OnInsufficient(fn func(ctx context.Context, preview domain.CostPreview)) Option {
	return func(o *options) { o.onInsufficient = fn }
}

// WithDescribe attaches non-identifying metadata derived from the input to
// the deduction. It must never return the input's content.
func WithDescribe[In any](fn func(in In) map[string]any) Option {
	return func(o *options) {
		o.describe = func(in any) map[string]any { return fn(in.(In)) }
	}
}

// WithTracer records one span per call.
func WithTracer(t *observability.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ─── Wrap ───────────────────────────────────────────────────────────────────

// Wrap returns fn guarded by the credit protocol for op. It panics when op
// has no configured cost.
func Wrap[In, Out any](ledger Ledger, op domain.Operation, fn Func[In, Out], opts ...Option) Func[In, Out] {
	if _, ok := ledger.LookupCost(op); !ok {
		panic(fmt.Sprintf("gate: %v: %q", domain.ErrUnknownOperation, op))
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.Named("gate").With(zap.String("operation", string(op)))

	return func(ctx context.Context, in In) (out Out, err error) {
		start := time.Now()
		span := o.tracer.StartSpan(ctx, "gate."+string(op), nil)
		outcome := "charged"
		defer func() {
			span.SetAttr("outcome", outcome)
			o.tracer.EndSpan(span, err)
			observability.GateOutcomes.WithLabelValues(string(op), outcome).Inc()
			observability.GateDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
		}()

		cost, _ := ledger.LookupCost(op)
		preview := ledger.CostPreview(op)

		if !ledger.HasSufficientCredits(cost) {
			outcome = "insufficient"
			if o.onInsufficient != nil {
				o.onInsufficient(ctx, preview)
			}
			return out, &AbortError{Reason: domain.ErrInsufficientCredits, Preview: preview}
		}

		if o.confirm != nil {
			ok, cerr := o.confirm.Confirm(ctx, preview)
			if cerr != nil {
				outcome = "failed"
				return out, fmt.Errorf("confirm %s: %w", op, cerr)
			}
			if !ok {
				outcome = "declined"
				return out, &AbortError{Reason: domain.ErrDeclined, Preview: preview}
			}
		}

		out, err = fn(ctx, in)
		if err != nil {
			outcome = "failed"
			var zero Out
			return zero, err
		}
		if isAbsent(out) {
			outcome = "empty"
			return out, nil
		}

		meta := map[string]any{
			"operation": string(op),
			"timestamp": domain.LedgerNow().UnixMilli(),
		}
		if o.describe != nil {
			for k, v := range o.describe(in) {
				meta[k] = v
			}
		}
		if _, derr := ledger.DeductCredits(ctx, cost, string(op), meta); derr != nil {
			outcome = "charge_failed"
			// The result is still returned. A concurrent call may have
			// drained the balance after the check.
			logger.Error("operation succeeded but deduction failed", zap.Int64("cost", cost), zap.Error(derr))
			return out, fmt.Errorf("%w: %w", domain.ErrChargeFailed, derr)
		}
		return out, nil
	}
}

// isAbsent reports whether v is a nil or zero value.
func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}
