package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

const testInstrument = "jordan-1-retro-high-10"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	mu               sync.Mutex
	createCheckoutFn func(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	refundFn         func(ctx context.Context, providerPaymentID string) error
	refunded         []string
}

func (f *fakeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if f.createCheckoutFn != nil {
		return f.createCheckoutFn(ctx, req)
	}
	return &Checkout{ID: "chk_" + req.TradeID, URL: "https://pay.example.com/c/" + req.TradeID}, nil
}

func (f *fakeProvider) Refund(ctx context.Context, providerPaymentID string) error {
	if f.refundFn != nil {
		if err := f.refundFn(ctx, providerPaymentID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.refunded = append(f.refunded, providerPaymentID)
	f.mu.Unlock()
	return nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []any
}

func (b *recordingBus) Publish(_ context.Context, event any) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func eventsOf[T any](b *recordingBus) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []T
	for _, e := range b.events {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type harness struct {
	svc      *Service
	store    *store.MemoryStore
	bus      *recordingBus
	clock    *fakeClock
	provider *fakeProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.UpsertInstrument(context.Background(), model.Instrument{
		ID:   testInstrument,
		Name: "Jordan 1 Retro High",
		Size: "10",
	}))

	h := &harness{
		store:    st,
		bus:      &recordingBus{},
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		provider: &fakeProvider{},
	}
	h.svc = NewService(zap.NewNop(), st, h.provider, h.bus, DefaultConfig())
	h.svc.now = h.clock.Now
	return h
}

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (h *harness) bid(t *testing.T, user, price string) *PlaceResult {
	t.Helper()
	res, err := h.svc.PlaceBid(context.Background(), user, testInstrument, usd(price), nil)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	return res
}

func (h *harness) ask(t *testing.T, user, price string) *PlaceResult {
	t.Helper()
	res, err := h.svc.PlaceAsk(context.Background(), user, testInstrument, usd(price), nil)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	return res
}

func (h *harness) order(t *testing.T, side model.Side, id string) *model.Order {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), side, id)
	require.NoError(t, err)
	return o
}

func (h *harness) trade(t *testing.T, id string) *model.Trade {
	t.Helper()
	tr, err := h.store.GetTrade(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func (h *harness) instrument(t *testing.T) *model.Instrument {
	t.Helper()
	inst, err := h.store.GetInstrument(context.Background(), testInstrument)
	require.NoError(t, err)
	return inst
}

func (h *harness) notifications(t *testing.T, user string) []model.Notification {
	t.Helper()
	ns, _, err := h.store.ListNotifications(context.Background(), store.NotificationFilter{UserID: user, Limit: 100})
	require.NoError(t, err)
	return ns
}

// matchedTrade places a crossing ask and bid and returns the resulting trade.
func (h *harness) matchedTrade(t *testing.T) *model.Trade {
	t.Helper()
	h.ask(t, "seller", "150")
	res := h.bid(t, "buyer", "160")
	require.NotNil(t, res.Trade)
	return res.Trade
}

func (h *harness) paidTrade(t *testing.T) *model.Trade {
	t.Helper()
	tr := h.matchedTrade(t)
	_, err := h.svc.ApplyPaymentEvent(context.Background(), PaymentEvent{
		TradeID:           tr.ID,
		ProviderPaymentID: "pay_" + tr.ID,
		Outcome:           OutcomeSucceeded,
	})
	require.NoError(t, err)
	return h.trade(t, tr.ID)
}

var (
	sellerOf = func(tr *model.Trade) Actor { return Actor{UserID: tr.SellerID, Role: RoleUser} }
	buyerOf  = func(tr *model.Trade) Actor { return Actor{UserID: tr.BuyerID, Role: RoleUser} }
	admin    = Actor{UserID: "ops-1", Role: RoleAdmin}
)

// failedTrade drives a paid trade through authentication into FAILED.
func (h *harness) failedTrade(t *testing.T) *model.Trade {
	t.Helper()
	ctx := context.Background()
	tr := h.paidTrade(t)
	_, err := h.svc.RequestTransition(ctx, tr.ID, model.TradeShipped, sellerOf(tr))
	require.NoError(t, err)
	_, err = h.svc.RequestTransition(ctx, tr.ID, model.TradeAuthenticating, admin)
	require.NoError(t, err)
	failed, err := h.svc.RequestTransition(ctx, tr.ID, model.TradeFailed, admin)
	require.NoError(t, err)
	return failed
}
