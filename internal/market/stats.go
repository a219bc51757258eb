package market

import (
	"context"
	"time"

	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// recalculate rewrites the instrument's market summary from the order books. The last
// sale fields move only when delivered is set, i.e. inside a transition to DELIVERED.
func recalculate(ctx context.Context, q store.Queries, instrumentID string, now time.Time, delivered bool) (*model.Instrument, error) {
	inst, err := q.GetInstrument(ctx, instrumentID)
	if err != nil {
		return nil, storeErr(err, "instrument", instrumentID)
	}

	stats := inst.Stats()
	if stats.LowestAsk, err = q.BestPrice(ctx, model.SideAsk, instrumentID, now); err != nil {
		return nil, err
	}
	if stats.HighestBid, err = q.BestPrice(ctx, model.SideBid, instrumentID, now); err != nil {
		return nil, err
	}
	if delivered {
		if stats.LastSalePrice, stats.SalesCount, err = q.DeliveredSummary(ctx, instrumentID); err != nil {
			return nil, err
		}
	}

	if err := q.SaveMarketStats(ctx, instrumentID, stats, now); err != nil {
		return nil, err
	}
	inst.LowestAsk = stats.LowestAsk
	inst.HighestBid = stats.HighestBid
	inst.LastSalePrice = stats.LastSalePrice
	inst.SalesCount = stats.SalesCount
	inst.UpdatedAt = now
	return inst, nil
}

// RecalculateStats recomputes one instrument's summary in its own transaction.
func (s *Service) RecalculateStats(ctx context.Context, instrumentID string) (*model.Instrument, error) {
	unlock := s.instrumentLocks.Lock(instrumentID)
	defer unlock()

	var snapshot *model.Instrument
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if err := q.LockInstrument(ctx, instrumentID); err != nil {
			return err
		}
		var err error
		snapshot, err = recalculate(ctx, q, instrumentID, s.now(), true)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, model.MarketStatsUpdated{Instrument: *snapshot, OccurredAt: snapshot.UpdatedAt})
	return snapshot, nil
}

// ExpireOrders marks every ACTIVE order past its expiry EXPIRED and refreshes the
// summaries of the affected instruments, all in one transaction.
func (s *Service) ExpireOrders(ctx context.Context) (*model.OrdersExpired, error) {
	now := s.now()
	var snapshots []*model.Instrument
	var event model.OrdersExpired
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		snapshots = snapshots[:0]
		ids, count, err := q.ExpireOrders(ctx, now)
		if err != nil {
			return err
		}
		for _, id := range ids {
			snap, err := recalculate(ctx, q, id, now, false)
			if err != nil {
				return err
			}
			snapshots = append(snapshots, snap)
		}
		event = model.OrdersExpired{InstrumentIDs: ids, Count: count, OccurredAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if event.Count > 0 {
		for _, snap := range snapshots {
			s.publish(ctx, model.MarketStatsUpdated{Instrument: *snap, OccurredAt: now})
		}
		s.publish(ctx, event)
	}
	return &event, nil
}
