package market

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/metrics"
	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// Role is the caller's role as supplied by the identity gateway.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor identifies who requests an operation.
type Actor struct {
	UserID string
	Role   Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// party is who may request a lifecycle edge.
type party int

const (
	bySeller party = iota
	byAdmin
	bySystem
)

type edge struct {
	from model.TradeStatus
	to   model.TradeStatus
}

var transitions = map[edge]party{
	{model.TradePaid, model.TradeShipped}:            bySeller,
	{model.TradeShipped, model.TradeAuthenticating}:  byAdmin,
	{model.TradeAuthenticating, model.TradeVerified}: byAdmin,
	{model.TradeAuthenticating, model.TradeFailed}:   byAdmin,
	{model.TradeVerified, model.TradeDelivered}:      byAdmin,
	{model.TradeFailed, model.TradeRefunded}:         bySystem,
}

// AllowedTransitions lists the user-requestable targets from a status.
func AllowedTransitions(from model.TradeStatus) []model.TradeStatus {
	var out []model.TradeStatus
	for _, to := range []model.TradeStatus{
		model.TradeShipped, model.TradeAuthenticating, model.TradeVerified,
		model.TradeFailed, model.TradeDelivered,
	} {
		if p, ok := transitions[edge{from, to}]; ok && p != bySystem {
			out = append(out, to)
		}
	}
	return out
}

func authorize(p party, actor Actor, trade *model.Trade) error {
	switch p {
	case bySeller:
		if actor.UserID != "" && actor.UserID == trade.SellerID {
			return nil
		}
		return forbidden("only the seller may perform this transition")
	case byAdmin:
		if actor.IsAdmin() {
			return nil
		}
		return forbidden("only an admin may perform this transition")
	}
	return forbidden("transition is performed by the system")
}

// RequestTransition moves a trade along one edge of the lifecycle graph.
// Re-requesting an applied transition fails with InvalidTransition.
func (s *Service) RequestTransition(ctx context.Context, tradeID string, target model.TradeStatus, actor Actor) (*model.Trade, error) {
	unlock := s.tradeLocks.Lock(tradeID)
	defer unlock()

	var (
		updated  model.Trade
		from     model.TradeStatus
		snapshot *model.Instrument
	)
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		snapshot = nil
		trade, err := q.GetTrade(ctx, tradeID)
		if err != nil {
			return storeErr(err, "trade", tradeID)
		}
		from = trade.Status

		p, ok := transitions[edge{trade.Status, target}]
		if !ok {
			return &Error{
				Kind: KindInvalidTransition,
				Msg:  fmt.Sprintf("cannot transition from %s to %s", trade.Status, target),
			}
		}
		if err := authorize(p, actor, trade); err != nil {
			return err
		}

		now := s.now()
		if err := q.SetTradeStatus(ctx, trade.ID, target, now); err != nil {
			return err
		}
		trade.Status, trade.UpdatedAt = target, now

		if target == model.TradeDelivered {
			if snapshot, err = recalculate(ctx, q, trade.InstrumentID, now, true); err != nil {
				return err
			}
		}

		item := trade.InstrumentID
		if inst, err := q.GetInstrument(ctx, trade.InstrumentID); err == nil {
			item = inst.DisplayName()
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if ns := lifecycleNotifications(trade, target, item, now); len(ns) > 0 {
			if err := q.InsertNotifications(ctx, ns); err != nil {
				return err
			}
		}
		updated = *trade
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("market.trade.transitioned",
		zap.String("trade_id", tradeID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("actor_id", actor.UserID))
	metrics.IncTrade(string(target))

	s.publish(ctx, model.TradeStatusChanged{Trade: updated, From: from, ActorID: actor.UserID, OccurredAt: updated.UpdatedAt})
	if snapshot != nil {
		s.publish(ctx, model.MarketStatsUpdated{Instrument: *snapshot, OccurredAt: updated.UpdatedAt})
	}
	return &updated, nil
}
