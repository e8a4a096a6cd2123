package credit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/voxnote/voxnote/internal/domain"
)

// DemoProcessor simulates a payment provider. It is the only processor
// shipped; a real one implements domain.PaymentProcessor.
type DemoProcessor struct {
	Delay time.Duration // simulated provider latency
	Fail  error         // when set, every charge fails with it
}

var _ domain.PaymentProcessor = (*DemoProcessor)(nil)

// Charge waits Delay and then approves the charge.
func (d *DemoProcessor) Charge(ctx context.Context, pkg domain.CreditPackage, method string) (domain.PaymentResult, error) {
	if d.Delay > 0 {
		select {
		case <-ctx.Done():
			return domain.PaymentResult{}, ctx.Err()
		case <-time.After(d.Delay):
		}
	}
	if d.Fail != nil {
		return domain.PaymentResult{}, d.Fail
	}
	return domain.PaymentResult{
		PaymentID: "demo_" + uuid.NewString(),
		Amount:    pkg.Price,
		ChargedAt: time.Now().UTC(),
	}, nil
}
