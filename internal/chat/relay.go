package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/pkg/eventbus"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

const (
	msgPaymentConfirmed = "Payment confirmed! Seller, please ship your item for authentication."
	msgPaymentFailed    = "Payment failed. The bid and ask have been reopened."
)

// InstrumentLookup resolves the instrument a trade was made on.
type InstrumentLookup interface {
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
}

// Relay turns committed market events into chat tasks.
type Relay struct {
	logger      *zap.Logger
	dispatcher  Dispatcher
	instruments InstrumentLookup
}

func NewRelay(logger *zap.Logger, dispatcher Dispatcher, instruments InstrumentLookup) *Relay {
	return &Relay{logger: logger, dispatcher: dispatcher, instruments: instruments}
}

// Register subscribes the relay to the bus.
func (r *Relay) Register(bus *eventbus.EventBus) {
	eventbus.Subscribe(bus, "chat.trade_matched", r.OnTradeMatched)
	eventbus.Subscribe(bus, "chat.payment_applied", r.OnPaymentApplied)
}

// ChannelName is the display name of a trade's channel.
func ChannelName(inst *model.Instrument) string {
	name := inst.Name
	if name == "" {
		name = inst.ID
	}
	if inst.Size == "" {
		return "Trade: " + name
	}
	return fmt.Sprintf("Trade: %s Size %s", name, inst.Size)
}

// MatchedMessage is the opening message of a new trade channel.
func MatchedMessage(t model.Trade) string {
	return fmt.Sprintf("Trade matched at $%s! Use this chat to coordinate shipping details.", t.Price.StringFixed(2))
}

func (r *Relay) OnTradeMatched(ctx context.Context, ev model.TradeMatchedEvent) {
	inst, err := r.instruments.GetInstrument(ctx, ev.Trade.InstrumentID)
	if err != nil {
		r.logger.Warn("chat.instrument_lookup_failed", zap.String("trade_id", ev.Trade.ID), zap.Error(err))
		inst = &model.Instrument{ID: ev.Trade.InstrumentID}
	}
	r.enqueue(ctx, Task{
		ID:      uuid.NewString(),
		Kind:    KindOpenChannel,
		TradeID: ev.Trade.ID,
		Name:    ChannelName(inst),
		Members: []string{ev.Trade.BuyerID, ev.Trade.SellerID},
		Text:    MatchedMessage(ev.Trade),
	})
}

func (r *Relay) OnPaymentApplied(ctx context.Context, ev model.PaymentApplied) {
	var text string
	switch ev.Payment.Status {
	case model.PaymentSucceeded:
		text = msgPaymentConfirmed
	case model.PaymentFailed:
		text = msgPaymentFailed
	default:
		return
	}
	r.enqueue(ctx, Task{
		ID:        uuid.NewString(),
		Kind:      KindSystemMessage,
		TradeID:   ev.Trade.ID,
		ChannelID: ev.Trade.ChatChannelID,
		Text:      text,
	})
}

func (r *Relay) enqueue(ctx context.Context, task Task) {
	if err := r.dispatcher.Enqueue(ctx, task); err != nil {
		r.logger.Warn("chat.enqueue_failed",
			zap.String("kind", string(task.Kind)),
			zap.String("trade_id", task.TradeID),
			zap.Error(err))
	}
}
