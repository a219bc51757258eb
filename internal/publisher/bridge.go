package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/pkg/eventbus"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// Market event subjects.
const (
	SubjectTradeMatched       = "evt.market.trade_matched.v1"
	SubjectTradeStatusChanged = "evt.market.trade_status_changed.v1"
	SubjectPaymentApplied     = "evt.market.payment_applied.v1"
	SubjectPaymentRefunded    = "evt.market.payment_refunded.v1"
	SubjectStatsUpdated       = "evt.market.stats_updated.v1"
	SubjectOrdersExpired      = "evt.market.orders_expired.v1"
)

// Register forwards committed domain events from the bus to NATS.
// Publishing is best-effort; failures are logged and counted.
func (p *Publisher) Register(bus *eventbus.EventBus) {
	eventbus.Subscribe(bus, "nats.trade_matched", func(ctx context.Context, ev model.TradeMatchedEvent) {
		p.forward(ctx, SubjectTradeMatched, "trade.matched", ev.Trade.ID, ev.OccurredAt, ev)
	})
	eventbus.Subscribe(bus, "nats.trade_status_changed", func(ctx context.Context, ev model.TradeStatusChanged) {
		p.forward(ctx, SubjectTradeStatusChanged, "trade.status_changed", ev.Trade.ID, ev.OccurredAt, ev)
	})
	eventbus.Subscribe(bus, "nats.payment_applied", func(ctx context.Context, ev model.PaymentApplied) {
		p.forward(ctx, SubjectPaymentApplied, "payment."+string(ev.Payment.Status), ev.Trade.ID, ev.OccurredAt, ev)
	})
	eventbus.Subscribe(bus, "nats.payment_refunded", func(ctx context.Context, ev model.PaymentRefundedEvent) {
		p.forward(ctx, SubjectPaymentRefunded, "payment.refunded", ev.Trade.ID, ev.OccurredAt, ev)
	})
	eventbus.Subscribe(bus, "nats.stats_updated", func(ctx context.Context, ev model.MarketStatsUpdated) {
		p.forward(ctx, SubjectStatsUpdated, "market.stats_updated", ev.Instrument.ID, ev.OccurredAt, ev)
	})
	eventbus.Subscribe(bus, "nats.orders_expired", func(ctx context.Context, ev model.OrdersExpired) {
		p.forward(ctx, SubjectOrdersExpired, "orders.expired", "expiry-sweep", ev.OccurredAt, ev)
	})
}

func (p *Publisher) forward(ctx context.Context, subject, eventType, key string, at time.Time, payload any) {
	env, err := p.NewEnvelope(subject, eventType, key, at, payload)
	if err != nil {
		p.logger.Error("publisher.envelope_failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	_ = p.PublishEnvelope(ctx, env)
}
