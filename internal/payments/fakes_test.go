package payments

import (
	"context"
	"sync"

	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

type fakeRecon struct {
	mu      sync.Mutex
	applyFn func(ev market.PaymentEvent) (*market.PaymentResult, error)
	trades  map[string]*model.Trade
	events  []market.PaymentEvent
}

func newFakeRecon(trades ...*model.Trade) *fakeRecon {
	r := &fakeRecon{trades: map[string]*model.Trade{}}
	for _, t := range trades {
		r.trades[t.ID] = t
	}
	return r
}

func (r *fakeRecon) ApplyPaymentEvent(_ context.Context, ev market.PaymentEvent) (*market.PaymentResult, error) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	fn := r.applyFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ev)
	}
	return &market.PaymentResult{}, nil
}

func (r *fakeRecon) Trade(_ context.Context, id string) (*model.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRecon) applied() []market.PaymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]market.PaymentEvent(nil), r.events...)
}

type fakeFetcher struct {
	mu    sync.Mutex
	getFn func(id string) (*Payment, error)
	calls int
}

func (f *fakeFetcher) GetPayment(_ context.Context, id string) (*Payment, error) {
	f.mu.Lock()
	f.calls++
	fn := f.getFn
	f.mu.Unlock()
	return fn(id)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
