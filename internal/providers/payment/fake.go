package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// FakeGateway accepts every request and remembers what it was asked to do.
// Stands in for the real provider in development and tests.
type FakeGateway struct {
	mu      sync.Mutex
	charges []ChargeRequest
	refunds []RefundRequest

	// FailNext makes the next call return ErrProviderUnavailable.
	FailNext int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{}
}

func (g *FakeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailNext > 0 {
		g.FailNext--
		return ChargeResult{}, ErrProviderUnavailable
	}
	g.charges = append(g.charges, req)
	return ChargeResult{
		ProviderRef: "ch_" + uuid.NewString(),
		Accepted:    true,
	}, nil
}

func (g *FakeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailNext > 0 {
		g.FailNext--
		return RefundResult{}, ErrProviderUnavailable
	}
	g.refunds = append(g.refunds, req)
	return RefundResult{
		ProviderRef: "re_" + uuid.NewString(),
		Accepted:    true,
	}, nil
}

func (g *FakeGateway) Charges() []ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ChargeRequest, len(g.charges))
	copy(out, g.charges)
	return out
}

func (g *FakeGateway) Refunds() []RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RefundRequest, len(g.refunds))
	copy(out, g.refunds)
	return out
}
