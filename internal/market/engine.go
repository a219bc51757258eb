package market

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/metrics"
	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// errStaleMatch aborts a match transaction whose orders changed underneath it.
var errStaleMatch = &Error{Kind: KindConflict, Msg: "order no longer active"}

// PlaceResult is the outcome of placing one order. Trade is nil when the order rests.
type PlaceResult struct {
	Order model.Order  `json:"order"`
	Trade *model.Trade `json:"trade,omitempty"`
}

func (s *Service) PlaceBid(ctx context.Context, userID, instrumentID string, price decimal.Decimal, expiresAt *time.Time) (*PlaceResult, error) {
	return s.place(ctx, model.SideBid, userID, instrumentID, price, expiresAt)
}

func (s *Service) PlaceAsk(ctx context.Context, userID, instrumentID string, price decimal.Decimal, expiresAt *time.Time) (*PlaceResult, error) {
	return s.place(ctx, model.SideAsk, userID, instrumentID, price, expiresAt)
}

func (s *Service) place(ctx context.Context, side model.Side, userID, instrumentID string, price decimal.Decimal, expiresAt *time.Time) (*PlaceResult, error) {
	if userID == "" {
		return nil, validationf("user id is required")
	}
	if err := ValidatePrice(price, s.cfg.MinPrice, s.cfg.MaxPrice); err != nil {
		return nil, err
	}

	now := s.now()
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return nil, validationf("expiresAt must be in the future")
		}
		utc := expiresAt.UTC()
		expiresAt = &utc
	} else if s.cfg.DefaultExpiry > 0 {
		def := now.Add(s.cfg.DefaultExpiry)
		expiresAt = &def
	}

	inst, err := s.store.GetInstrument(ctx, instrumentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, validationf("unknown instrument %s", instrumentID)
	}
	if err != nil {
		return nil, err
	}

	order := model.Order{
		ID:           uuid.NewString(),
		Side:         side,
		UserID:       userID,
		InstrumentID: instrumentID,
		Price:        price,
		Status:       model.OrderActive,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertOrder(ctx, &order); err != nil {
		return nil, storeErr(err, "order", order.ID)
	}

	trade, err := s.match(ctx, &order, inst)
	if err != nil {
		// The order is durable and ACTIVE; a failed match attempt leaves it resting.
		s.logger.Error("market.match.failed",
			zap.String("order_id", order.ID),
			zap.String("instrument_id", instrumentID),
			zap.Error(err))
		metrics.IncError("market", "match_failed")
		trade = nil
	}

	res := &PlaceResult{Order: order}
	if trade != nil {
		res.Order.Status = model.OrderMatched
		res.Order.UpdatedAt = trade.CreatedAt
		res.Trade = trade
		metrics.IncOrderPlaced(string(side), "matched")
	} else {
		metrics.IncOrderPlaced(string(side), "resting")
	}
	return res, nil
}

// match attempts exactly one match for a freshly placed order. Attempts on the same
// instrument are serialized in-process and by an instrument-scoped database lock.
func (s *Service) match(ctx context.Context, order *model.Order, inst *model.Instrument) (*model.Trade, error) {
	unlock := s.instrumentLocks.Lock(order.InstrumentID)
	defer unlock()
	start := time.Now()
	defer metrics.ObserveDuration(metrics.MatchDuration, start)

	var (
		trade    *model.Trade
		snapshot *model.Instrument
	)
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		trade, snapshot = nil, nil
		if err := q.LockInstrument(ctx, order.InstrumentID); err != nil {
			return err
		}
		now := s.now()

		current, err := q.GetOrder(ctx, order.Side, order.ID)
		if err != nil {
			return err
		}
		if current.Matchable(now) {
			counter, err := q.FindBestCounter(ctx, store.CounterQuery{
				Side:          order.Side.Opposite(),
				InstrumentID:  order.InstrumentID,
				LimitPrice:    current.Price,
				ExcludeUserID: current.UserID,
				Now:           now,
			})
			if err != nil {
				return err
			}
			if counter != nil {
				trade, err = s.executeMatch(ctx, q, current, counter, now)
				if err != nil {
					return err
				}
			}
		}

		snapshot, err = recalculate(ctx, q, order.InstrumentID, now, false)
		return err
	})
	if errors.Is(err, ErrConflict) || errors.Is(err, store.ErrConflict) {
		s.logger.Info("market.match.conflict",
			zap.String("order_id", order.ID),
			zap.String("instrument_id", order.InstrumentID),
			zap.Error(err))
		metrics.IncError("market", "match_conflict")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	if trade != nil {
		s.logger.Info("market.match.created",
			zap.String("trade_id", trade.ID),
			zap.String("instrument_id", trade.InstrumentID),
			zap.String("bid_id", trade.BidID),
			zap.String("ask_id", trade.AskID),
			zap.String("price", trade.Price.StringFixed(2)))
		metrics.IncTrade(string(model.TradeMatched))
		s.publish(ctx, model.TradeMatchedEvent{Trade: *trade, Instrument: inst.DisplayName(), OccurredAt: now})
	}
	if snapshot != nil {
		s.publish(ctx, model.MarketStatsUpdated{Instrument: *snapshot, OccurredAt: now})
	}
	return trade, nil
}

// executeMatch converts the aggressor and the resting counter-order into a trade
// priced at the resting order.
func (s *Service) executeMatch(ctx context.Context, q store.Queries, aggressor, resting *model.Order, now time.Time) (*model.Trade, error) {
	bid, ask := aggressor, resting
	if aggressor.Side == model.SideAsk {
		bid, ask = resting, aggressor
	}
	if !bid.Matchable(now) || !ask.Matchable(now) || bid.UserID == ask.UserID {
		return nil, errStaleMatch
	}

	for _, o := range []*model.Order{bid, ask} {
		if err := q.SetOrderStatus(ctx, o.Side, o.ID, model.OrderMatched, now); err != nil {
			return nil, err
		}
	}

	trade := &model.Trade{
		ID:           uuid.NewString(),
		BuyerID:      bid.UserID,
		SellerID:     ask.UserID,
		InstrumentID: bid.InstrumentID,
		BidID:        bid.ID,
		AskID:        ask.ID,
		Price:        resting.Price,
		PlatformFee:  model.PlatformFee(resting.Price, s.cfg.FeePercent),
		Status:       model.TradeMatched,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := q.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}
	if err := q.InsertNotifications(ctx, matchNotifications(trade, bid, ask, now)); err != nil {
		return nil, err
	}
	return trade, nil
}

// CancelOrder withdraws a resting order. Only the owner may cancel, and only while ACTIVE.
func (s *Service) CancelOrder(ctx context.Context, side model.Side, orderID, userID string) (*model.Order, error) {
	if !side.Valid() {
		return nil, validationf("unknown order side %q", side)
	}
	existing, err := s.store.GetOrder(ctx, side, orderID)
	if err != nil {
		return nil, storeErr(err, "order", orderID)
	}

	unlock := s.instrumentLocks.Lock(existing.InstrumentID)
	defer unlock()

	var (
		canceled model.Order
		snapshot *model.Instrument
	)
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		if err := q.LockInstrument(ctx, existing.InstrumentID); err != nil {
			return err
		}
		o, err := q.GetOrder(ctx, side, orderID)
		if err != nil {
			return storeErr(err, "order", orderID)
		}
		if o.UserID != userID {
			return forbidden("only the owner may cancel this order")
		}
		if o.Status != model.OrderActive {
			return &Error{Kind: KindInvalidTransition, Msg: "order is " + string(o.Status)}
		}
		now := s.now()
		if err := q.SetOrderStatus(ctx, side, orderID, model.OrderCanceled, now); err != nil {
			return err
		}
		o.Status, o.UpdatedAt = model.OrderCanceled, now
		canceled = *o
		snapshot, err = recalculate(ctx, q, o.InstrumentID, now, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.MarketStatsUpdated{Instrument: *snapshot, OccurredAt: canceled.UpdatedAt})
	return &canceled, nil
}
