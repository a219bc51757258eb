package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/metrics"
	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// Outcome is the canonical result of a provider payment.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// PaymentEvent is a provider payment outcome normalized at the provider boundary.
// Webhook, redirect callback and fallback poller all converge on this shape.
type PaymentEvent struct {
	TradeID           string
	ProviderPaymentID string
	Outcome           Outcome
	// Amount and Fee fall back to the trade's price and fee when zero.
	Amount decimal.Decimal
	Fee    decimal.Decimal
	Source string
}

// PaymentResult reports what applying an event did. Duplicate means the provider
// payment id had already been applied and nothing changed.
type PaymentResult struct {
	Trade     *model.Trade
	Payment   *model.Payment
	Duplicate bool
}

// ApplyPaymentEvent applies a provider outcome to its trade exactly once.
func (s *Service) ApplyPaymentEvent(ctx context.Context, ev PaymentEvent) (*PaymentResult, error) {
	if ev.TradeID == "" || ev.ProviderPaymentID == "" {
		return nil, validationf("trade id and provider payment id are required")
	}
	if ev.Source == "" {
		ev.Source = "direct"
	}

	var (
		res *PaymentResult
		err error
	)
	switch ev.Outcome {
	case OutcomeSucceeded:
		res, err = s.applySuccess(ctx, ev)
	case OutcomeFailed:
		res, err = s.applyFailure(ctx, ev)
	default:
		return nil, validationf("unknown payment outcome %q", ev.Outcome)
	}

	switch {
	case err != nil:
		result := "error"
		if KindOf(err) != "" {
			result = "rejected"
		}
		metrics.IncPaymentEvent(ev.Source, string(ev.Outcome), result)
	case res.Duplicate:
		metrics.IncPaymentEvent(ev.Source, string(ev.Outcome), "duplicate")
	default:
		metrics.IncPaymentEvent(ev.Source, string(ev.Outcome), "applied")
	}
	return res, err
}

// findApplied returns the payment already recorded for the event, if any.
func findApplied(ctx context.Context, q store.Queries, providerPaymentID string) (*model.Payment, error) {
	p, err := q.GetPaymentByProviderID(ctx, providerPaymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (s *Service) duplicate(ctx context.Context, ev PaymentEvent, p *model.Payment) (*PaymentResult, error) {
	s.logger.Info("market.payment.duplicate",
		zap.String("trade_id", ev.TradeID),
		zap.String("provider_payment_id", ev.ProviderPaymentID),
		zap.String("source", ev.Source))
	if p == nil {
		// Lost the insert race; the winner's row is committed by now.
		if applied, err := findApplied(ctx, s.store, ev.ProviderPaymentID); err == nil {
			p = applied
		}
	}
	res := &PaymentResult{Payment: p, Duplicate: true}
	if t, err := s.store.GetTrade(ctx, ev.TradeID); err == nil {
		res.Trade = t
	}
	return res, nil
}

// applyPayment runs the shared idempotent part of both outcomes. mutate performs the
// outcome-specific writes inside the same transaction. With lockInstrument set the
// instrument lock is taken before the trade row, the order match and refund use.
func (s *Service) applyPayment(
	ctx context.Context,
	ev PaymentEvent,
	status model.PaymentStatus,
	lockInstrument bool,
	mutate func(q store.Queries, trade *model.Trade, payment *model.Payment) error,
) (*PaymentResult, error) {
	if p, err := findApplied(ctx, s.store, ev.ProviderPaymentID); err != nil {
		return nil, err
	} else if p != nil {
		return s.duplicate(ctx, ev, p)
	}

	unlock := s.tradeLocks.Lock(ev.TradeID)
	defer unlock()

	var instrumentID string
	if lockInstrument {
		t, err := s.store.GetTrade(ctx, ev.TradeID)
		if err != nil {
			return nil, storeErr(err, "trade", ev.TradeID)
		}
		instrumentID = t.InstrumentID
	}

	var res PaymentResult
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		res = PaymentResult{}
		if lockInstrument {
			if err := q.LockInstrument(ctx, instrumentID); err != nil {
				return err
			}
		}
		// The row lock comes first so a concurrent apply of the same payment is
		// visible to the lookup below once it commits.
		trade, err := q.GetTrade(ctx, ev.TradeID)
		if err != nil {
			return storeErr(err, "trade", ev.TradeID)
		}
		if p, err := findApplied(ctx, q, ev.ProviderPaymentID); err != nil {
			return err
		} else if p != nil {
			res.Payment = p
			return ErrDuplicatePayment
		}
		if !trade.Status.AwaitingPayment() {
			return &Error{
				Kind: KindInvalidTransition,
				Msg:  fmt.Sprintf("trade %s is %s, not awaiting payment", trade.ID, trade.Status),
			}
		}

		now := s.now()
		amount, fee := ev.Amount, ev.Fee
		if amount.IsZero() {
			amount = trade.Price
		}
		if status == model.PaymentSucceeded && amount.LessThan(trade.Price) {
			return validationf("payment of %s does not cover trade price %s", amount.StringFixed(2), trade.Price.StringFixed(2))
		}
		if fee.IsZero() {
			fee = trade.PlatformFee
		}
		payment := &model.Payment{
			ID:                uuid.NewString(),
			TradeID:           trade.ID,
			ProviderPaymentID: ev.ProviderPaymentID,
			Amount:            amount,
			PlatformFee:       fee,
			Status:            status,
			IdempotencyKey:    model.IdempotencyKey(status, ev.ProviderPaymentID),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := q.InsertPayment(ctx, payment); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrDuplicatePayment
			}
			return err
		}
		if err := mutate(q, trade, payment); err != nil {
			return err
		}
		res.Trade, res.Payment = trade, payment
		return nil
	})
	if errors.Is(err, ErrDuplicatePayment) {
		return s.duplicate(ctx, ev, res.Payment)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) applySuccess(ctx context.Context, ev PaymentEvent) (*PaymentResult, error) {
	res, err := s.applyPayment(ctx, ev, model.PaymentSucceeded, false, func(q store.Queries, trade *model.Trade, payment *model.Payment) error {
		if err := q.SetTradeStatus(ctx, trade.ID, model.TradePaid, payment.CreatedAt); err != nil {
			return err
		}
		trade.Status, trade.UpdatedAt = model.TradePaid, payment.CreatedAt
		return q.InsertNotifications(ctx, paymentSuccessNotifications(trade, formatUSD(payment.Amount), payment.CreatedAt))
	})
	if err != nil || res.Duplicate {
		return res, err
	}

	s.logger.Info("market.payment.succeeded",
		zap.String("trade_id", res.Trade.ID),
		zap.String("provider_payment_id", ev.ProviderPaymentID),
		zap.String("amount", res.Payment.Amount.StringFixed(2)),
		zap.String("source", ev.Source))
	metrics.IncTrade(string(model.TradePaid))
	s.publish(ctx, model.PaymentApplied{Trade: *res.Trade, Payment: *res.Payment, OccurredAt: res.Payment.CreatedAt})
	return res, nil
}

// applyFailure records the failed payment, fails the trade and returns both orders to the book.
func (s *Service) applyFailure(ctx context.Context, ev PaymentEvent) (*PaymentResult, error) {
	var snapshot *model.Instrument
	res, err := s.applyPayment(ctx, ev, model.PaymentFailed, true, func(q store.Queries, trade *model.Trade, payment *model.Payment) error {
		now := payment.CreatedAt
		if err := q.SetTradeStatus(ctx, trade.ID, model.TradeFailed, now); err != nil {
			return err
		}
		trade.Status, trade.UpdatedAt = model.TradeFailed, now
		if err := q.SetOrderStatus(ctx, model.SideBid, trade.BidID, model.OrderActive, now); err != nil {
			return err
		}
		if err := q.SetOrderStatus(ctx, model.SideAsk, trade.AskID, model.OrderActive, now); err != nil {
			return err
		}
		var err error
		if snapshot, err = recalculate(ctx, q, trade.InstrumentID, now, false); err != nil {
			return err
		}
		return q.InsertNotifications(ctx, paymentFailureNotifications(trade, now))
	})
	if err != nil || res.Duplicate {
		return res, err
	}

	s.logger.Warn("market.payment.failed",
		zap.String("trade_id", res.Trade.ID),
		zap.String("provider_payment_id", ev.ProviderPaymentID),
		zap.String("source", ev.Source))
	metrics.IncTrade(string(model.TradeFailed))
	s.publish(ctx,
		model.PaymentApplied{Trade: *res.Trade, Payment: *res.Payment, OccurredAt: res.Payment.CreatedAt},
		model.MarketStatsUpdated{Instrument: *snapshot, OccurredAt: res.Payment.CreatedAt},
	)
	return res, nil
}

// ProcessRefund refunds the buyer of a trade that failed authentication and relists
// the seller's ask. The preconditions are checked and the provider is called while the
// instrument lock and trade row are held, so a provider error commits nothing and a
// second refund of the same trade waits and then fails the precondition.
func (s *Service) ProcessRefund(ctx context.Context, tradeID string) (*PaymentResult, error) {
	if s.provider == nil {
		return nil, providerError("refund", errors.New("payment provider not configured"))
	}
	unlock := s.tradeLocks.Lock(tradeID)
	defer unlock()

	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, storeErr(err, "trade", tradeID)
	}

	var (
		res      PaymentResult
		snapshot *model.Instrument
		refunded *model.Payment
	)
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		if err := q.LockInstrument(ctx, trade.InstrumentID); err != nil {
			return err
		}
		t, err := q.GetTrade(ctx, tradeID)
		if err != nil {
			return storeErr(err, "trade", tradeID)
		}
		if t.Status != model.TradeFailed {
			return validationf("trade is in %s state, expected FAILED", t.Status)
		}
		payment, err := q.GetTradePayment(ctx, tradeID, model.PaymentSucceeded)
		if errors.Is(err, store.ErrNotFound) {
			return validationf("trade %s has no successful payment to refund", tradeID)
		}
		if err != nil {
			return err
		}

		if err := s.provider.Refund(ctx, payment.ProviderPaymentID); err != nil {
			s.logger.Error("market.refund.provider_failed",
				zap.String("trade_id", tradeID),
				zap.String("provider_payment_id", payment.ProviderPaymentID),
				zap.Error(err))
			return providerError("refund", err)
		}
		refunded = payment

		now := s.now()
		if err := q.SetPaymentStatus(ctx, payment.ID, model.PaymentRefunded, now); err != nil {
			return err
		}
		if err := q.SetTradeStatus(ctx, t.ID, model.TradeRefunded, now); err != nil {
			return err
		}
		if err := q.SetOrderStatus(ctx, model.SideAsk, t.AskID, model.OrderActive, now); err != nil {
			return err
		}
		if snapshot, err = recalculate(ctx, q, t.InstrumentID, now, false); err != nil {
			return err
		}
		t.Status, t.UpdatedAt = model.TradeRefunded, now
		p := *payment
		p.Status, p.UpdatedAt = model.PaymentRefunded, now
		res = PaymentResult{Trade: t, Payment: &p}
		return q.InsertNotifications(ctx, refundNotifications(t, formatUSD(p.Amount), snapshot.DisplayName(), now))
	})
	if err != nil {
		if refunded != nil {
			// The provider has already refunded; this needs operator attention.
			s.logger.Error("market.refund.local_commit_failed",
				zap.String("trade_id", tradeID),
				zap.String("provider_payment_id", refunded.ProviderPaymentID),
				zap.Error(err))
			metrics.IncError("market", "refund_commit_failed")
		}
		return nil, err
	}

	s.logger.Info("market.refund.processed",
		zap.String("trade_id", tradeID),
		zap.String("provider_payment_id", refunded.ProviderPaymentID))
	metrics.IncTrade(string(model.TradeRefunded))
	s.publish(ctx,
		model.PaymentRefundedEvent{Trade: *res.Trade, Payment: *res.Payment, OccurredAt: res.Trade.UpdatedAt},
		model.MarketStatsUpdated{Instrument: *snapshot, OccurredAt: res.Trade.UpdatedAt},
	)
	return &res, nil
}

// InitiatePayment opens a hosted checkout for the buyer of a MATCHED trade and moves the
// trade to PAYMENT_PENDING once the provider has accepted it.
func (s *Service) InitiatePayment(ctx context.Context, tradeID string, actor Actor) (*Checkout, error) {
	if s.provider == nil {
		return nil, providerError("checkout", errors.New("payment provider not configured"))
	}
	unlock := s.tradeLocks.Lock(tradeID)
	defer unlock()

	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, storeErr(err, "trade", tradeID)
	}
	if actor.UserID != trade.BuyerID {
		return nil, forbidden("only the buyer can initiate payment")
	}
	if trade.Status != model.TradeMatched {
		return nil, &Error{
			Kind: KindInvalidTransition,
			Msg:  fmt.Sprintf("trade is in %s state, expected MATCHED", trade.Status),
		}
	}

	title := trade.InstrumentID
	if inst, err := s.store.GetInstrument(ctx, trade.InstrumentID); err == nil {
		title = inst.DisplayName()
	}
	checkout, err := s.provider.CreateCheckout(ctx, CheckoutRequest{
		TradeID:     trade.ID,
		BuyerID:     trade.BuyerID,
		Amount:      trade.Price,
		PlatformFee: trade.PlatformFee,
		Title:       title,
	})
	if err != nil {
		s.logger.Error("market.checkout.provider_failed", zap.String("trade_id", tradeID), zap.Error(err))
		return nil, providerError("checkout", err)
	}

	var updated model.Trade
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		t, err := q.GetTrade(ctx, tradeID)
		if err != nil {
			return storeErr(err, "trade", tradeID)
		}
		if t.Status != model.TradeMatched {
			return &Error{Kind: KindInvalidTransition, Msg: fmt.Sprintf("trade is %s", t.Status)}
		}
		now := s.now()
		if err := q.SetTradeStatus(ctx, t.ID, model.TradePaymentPending, now); err != nil {
			return err
		}
		t.Status, t.UpdatedAt = model.TradePaymentPending, now
		updated = *t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("market.checkout.created",
		zap.String("trade_id", tradeID),
		zap.String("checkout_id", checkout.ID))
	metrics.IncTrade(string(model.TradePaymentPending))
	s.publish(ctx, model.TradeStatusChanged{Trade: updated, From: model.TradeMatched, ActorID: actor.UserID, OccurredAt: updated.UpdatedAt})
	return checkout, nil
}
