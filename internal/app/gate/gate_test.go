package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/voxnote/voxnote/internal/domain"
	"github.com/voxnote/voxnote/internal/infra/observability"
)

// fakeLedger is an in-memory Ledger.
type fakeLedger struct {
	mu        sync.Mutex
	balance   int64
	costs     map[domain.Operation]int64
	deductErr error
	deducts   []map[string]any
}

func newFakeLedger(balance int64) *fakeLedger {
	return &fakeLedger{
		balance: balance,
		costs:   map[domain.Operation]int64{domain.OpPolish: 10, domain.OpTranslate: 7},
	}
}

func (f *fakeLedger) LookupCost(op domain.Operation) (int64, bool) {
	c, ok := f.costs[op]
	return c, ok
}

func (f *fakeLedger) HasSufficientCredits(cost int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance >= cost
}

func (f *fakeLedger) CostPreview(op domain.Operation) domain.CostPreview {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.NewCostPreview(op, f.costs[op], f.balance)
}

func (f *fakeLedger) DeductCredits(_ context.Context, cost int64, _ string, meta map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deductErr != nil {
		return f.balance, f.deductErr
	}
	f.balance -= cost
	f.deducts = append(f.deducts, meta)
	return f.balance, nil
}

func upper(calls *int) Func[string, string] {
	return func(_ context.Context, in string) (string, error) {
		*calls++
		return strings.ToUpper(in), nil
	}
}

// ─── Protocol ───────────────────────────────────────────────────────────────

func TestWrap_ChargesOnSuccess(t *testing.T) {
	l := newFakeLedger(25)
	calls := 0
	polish := Wrap(l, domain.OpPolish, upper(&calls), WithConfirmer(Preconfirmed(true)))

	out, err := polish(context.Background(), "hello")
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if out != "HELLO" || calls != 1 {
		t.Errorf("out = %q, calls = %d", out, calls)
	}
	if l.balance != 15 {
		t.Errorf("balance = %d, want 15", l.balance)
	}
	if len(l.deducts) != 1 || l.deducts[0]["operation"] != "polish" {
		t.Errorf("deduct metadata = %v", l.deducts)
	}
	if _, ok := l.deducts[0]["timestamp"]; !ok {
		t.Error("deduct metadata missing timestamp")
	}
}

func TestWrap_InsufficientNeverRuns(t *testing.T) {
	l := newFakeLedger(5)
	calls := 0
	var hooked domain.CostPreview
	polish := Wrap(l, domain.OpPolish, upper(&calls),
		OnInsufficient(func(_ context.Context, p domain.CostPreview) { hooked = p }))

	out, err := polish(context.Background(), "hello")
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("error = %v, want ErrInsufficientCredits", err)
	}
	var abort *AbortError
	if !errors.As(err, &abort) || abort.Preview.Cost != 10 || abort.Preview.CurrentBalance != 5 {
		t.Errorf("abort = %+v", abort)
	}
	if out != "" || calls != 0 || l.balance != 5 {
		t.Errorf("out = %q, calls = %d, balance = %d", out, calls, l.balance)
	}
	if hooked.Operation != domain.OpPolish {
		t.Errorf("insufficient hook preview = %+v", hooked)
	}
}

func TestWrap_DeclinedNeverRuns(t *testing.T) {
	l := newFakeLedger(50)
	calls := 0
	var seen domain.CostPreview
	confirm := ConfirmFunc(func(_ context.Context, p domain.CostPreview) (bool, error) {
		seen = p
		return false, nil
	})
	translate := Wrap(l, domain.OpTranslate, upper(&calls), WithConfirmer(confirm))

	_, err := translate(context.Background(), "hallo")
	if !errors.Is(err, domain.ErrDeclined) {
		t.Fatalf("error = %v, want ErrDeclined", err)
	}
	if calls != 0 || l.balance != 50 || len(l.deducts) != 0 {
		t.Errorf("declined call ran or charged: calls = %d, balance = %d", calls, l.balance)
	}
	if seen.Cost != 7 || seen.BalanceAfter == nil || *seen.BalanceAfter != 43 {
		t.Errorf("confirmer saw preview %+v", seen)
	}
}

func TestWrap_ConfirmerError(t *testing.T) {
	l := newFakeLedger(50)
	calls := 0
	boom := errors.New("tty closed")
	fn := Wrap(l, domain.OpPolish, upper(&calls), WithConfirmer(ConfirmFunc(
		func(context.Context, domain.CostPreview) (bool, error) { return false, boom })))

	if _, err := fn(context.Background(), "x"); !errors.Is(err, boom) {
		t.Errorf("error = %v, want confirmer error", err)
	}
	if calls != 0 || l.balance != 50 {
		t.Error("confirmer failure still ran or charged")
	}
}

func TestWrap_FailureNotCharged(t *testing.T) {
	l := newFakeLedger(50)
	boom := errors.New("upstream 503")
	fn := Wrap(l, domain.OpPolish, Func[string, string](func(context.Context, string) (string, error) {
		return "partial", boom
	}))

	out, err := fn(context.Background(), "x")
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want upstream error", err)
	}
	if out != "" {
		t.Errorf("failed call leaked result %q", out)
	}
	if l.balance != 50 {
		t.Errorf("balance = %d, want 50", l.balance)
	}
}

func TestWrap_EmptyResultNotCharged(t *testing.T) {
	l := newFakeLedger(50)
	fn := Wrap(l, domain.OpPolish, Func[string, *string](func(context.Context, string) (*string, error) {
		return nil, nil
	}))

	out, err := fn(context.Background(), "x")
	if err != nil || out != nil {
		t.Fatalf("out, err = %v, %v", out, err)
	}
	if l.balance != 50 {
		t.Errorf("empty result charged: balance = %d", l.balance)
	}
}

func TestWrap_ChargeFailureKeepsResult(t *testing.T) {
	l := newFakeLedger(50)
	l.deductErr = errors.New("disk full")
	calls := 0
	fn := Wrap(l, domain.OpPolish, upper(&calls))

	out, err := fn(context.Background(), "ok")
	if !errors.Is(err, domain.ErrChargeFailed) {
		t.Fatalf("error = %v, want ErrChargeFailed", err)
	}
	if out != "OK" {
		t.Errorf("out = %q, want the completed result", out)
	}
}

func TestWrap_DescribeMetadata(t *testing.T) {
	l := newFakeLedger(50)
	calls := 0
	fn := Wrap(l, domain.OpPolish, upper(&calls),
		WithDescribe(func(in string) map[string]any { return map[string]any{"length": len(in)} }))

	if _, err := fn(context.Background(), "secret text"); err != nil {
		t.Fatal(err)
	}
	meta := l.deducts[0]
	if meta["length"] != 11 {
		t.Errorf("length = %v, want 11", meta["length"])
	}
	for _, v := range meta {
		if s, ok := v.(string); ok && strings.Contains(s, "secret") {
			t.Errorf("metadata leaked content: %v", meta)
		}
	}
}

func TestWrap_UnknownOperationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Wrap(unknown op) should panic")
		}
	}()
	calls := 0
	Wrap(newFakeLedger(0), "summarize", upper(&calls))
}

func TestWrap_RecordsSpans(t *testing.T) {
	tr := observability.NewTracer(observability.DefaultTracerConfig())
	l := newFakeLedger(10)
	calls := 0
	fn := Wrap(l, domain.OpPolish, upper(&calls), WithTracer(tr))

	fn(context.Background(), "a")
	fn(context.Background(), "b")

	spans := tr.Spans(0)
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Attrs["outcome"] != "charged" || spans[1].Attrs["outcome"] != "insufficient" {
		t.Errorf("outcomes = %q, %q", spans[0].Attrs["outcome"], spans[1].Attrs["outcome"])
	}
	if spans[1].Status != observability.SpanError {
		t.Errorf("insufficient span status = %v, want error", spans[1].Status)
	}
}

func TestIsAbsent(t *testing.T) {
	type result struct{ Text string }
	tests := []struct {
		v    any
		want bool
	}{
		{nil, true},
		{"", true},
		{"x", false},
		{0, true},
		{result{}, true},
		{result{Text: "y"}, false},
		{&result{}, false},
	}
	for _, tt := range tests {
		if got := isAbsent(tt.v); got != tt.want {
			t.Errorf("isAbsent(%#v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}
