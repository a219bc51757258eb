package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/marketcore/pkg/model"
)

// MemoryStore is a single-process Store used by tests and local runs without Postgres.
// One mutex guards all state, so every transaction is serializable. Writes inside
// WithTx are recorded in an undo log and reverted when fn fails.
type MemoryStore struct {
	mu sync.Mutex

	instruments   map[string]model.Instrument
	orders        map[model.Side]map[string]model.Order
	trades        map[string]model.Trade
	tradePairs    map[string]string
	payments      map[string]model.Payment
	byProvider    map[string]string
	byIdemKey     map[string]string
	notifications []model.Notification
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		instruments: map[string]model.Instrument{},
		orders: map[model.Side]map[string]model.Order{
			model.SideBid: {},
			model.SideAsk: {},
		},
		trades:     map[string]model.Trade{},
		tradePairs: map[string]string{},
		payments:   map[string]model.Payment{},
		byProvider: map[string]string{},
		byIdemKey:  map[string]string{},
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memQueries{m: m, inTx: true}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (m *MemoryStore) HealthCheck(context.Context) error { return nil }
func (m *MemoryStore) Close() error                      { return nil }

func (m *MemoryStore) run(fn func(q *memQueries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memQueries{m: m})
}

// memQueries operates on MemoryStore state with the mutex already held.
type memQueries struct {
	m    *MemoryStore
	inTx bool
	undo []func()
}

func (q *memQueries) record(fn func()) {
	if q.inTx {
		q.undo = append(q.undo, fn)
	}
}

func pairKey(bidID, askID string) string { return bidID + "|" + askID }

func page[T any](items []T, limit, offset int) []T {
	limit = limitOrDefault(limit)
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// --- instruments ---

func (q *memQueries) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	inst, ok := q.m.instruments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (q *memQueries) UpsertInstrument(_ context.Context, inst model.Instrument) error {
	prev, existed := q.m.instruments[inst.ID]
	next := prev
	if !existed {
		next = model.Instrument{ID: inst.ID}
	}
	next.Name, next.Size = inst.Name, inst.Size
	next.UpdatedAt = time.Now().UTC()
	q.m.instruments[inst.ID] = next
	q.record(func() {
		if existed {
			q.m.instruments[inst.ID] = prev
		} else {
			delete(q.m.instruments, inst.ID)
		}
	})
	return nil
}

func (q *memQueries) LockInstrument(context.Context, string) error {
	if !q.inTx {
		return fmt.Errorf("LockInstrument requires a transaction")
	}
	return nil
}

func (q *memQueries) SaveMarketStats(_ context.Context, instrumentID string, stats model.MarketStats, at time.Time) error {
	prev, ok := q.m.instruments[instrumentID]
	if !ok {
		return ErrNotFound
	}
	next := prev
	next.LowestAsk = stats.LowestAsk
	next.HighestBid = stats.HighestBid
	next.LastSalePrice = stats.LastSalePrice
	next.SalesCount = stats.SalesCount
	next.UpdatedAt = at
	q.m.instruments[instrumentID] = next
	q.record(func() { q.m.instruments[instrumentID] = prev })
	return nil
}

func (q *memQueries) BestPrice(_ context.Context, side model.Side, instrumentID string, now time.Time) (decimal.NullDecimal, error) {
	var best decimal.NullDecimal
	for _, o := range q.m.orders[side] {
		if o.InstrumentID != instrumentID || !o.Matchable(now) {
			continue
		}
		better := !best.Valid ||
			(side == model.SideAsk && o.Price.LessThan(best.Decimal)) ||
			(side == model.SideBid && o.Price.GreaterThan(best.Decimal))
		if better {
			best = decimal.NullDecimal{Decimal: o.Price, Valid: true}
		}
	}
	return best, nil
}

func (q *memQueries) DeliveredSummary(_ context.Context, instrumentID string) (decimal.NullDecimal, int, error) {
	var (
		last   decimal.NullDecimal
		lastAt time.Time
		lastID string
		count  int
	)
	for _, t := range q.m.trades {
		if t.InstrumentID != instrumentID || t.Status != model.TradeDelivered {
			continue
		}
		count++
		if !last.Valid || t.UpdatedAt.After(lastAt) || (t.UpdatedAt.Equal(lastAt) && t.ID > lastID) {
			last = decimal.NullDecimal{Decimal: t.Price, Valid: true}
			lastAt, lastID = t.UpdatedAt, t.ID
		}
	}
	return last, count, nil
}

// --- orders ---

func (q *memQueries) InsertOrder(_ context.Context, o *model.Order) error {
	book, ok := q.m.orders[o.Side]
	if !ok {
		return fmt.Errorf("unknown side %q", o.Side)
	}
	if _, exists := book[o.ID]; exists {
		return fmt.Errorf("%w: order %s", ErrConflict, o.ID)
	}
	if _, ok := q.m.instruments[o.InstrumentID]; !ok {
		return fmt.Errorf("instrument %s: %w", o.InstrumentID, ErrNotFound)
	}
	book[o.ID] = *o
	q.record(func() { delete(book, o.ID) })
	return nil
}

func (q *memQueries) GetOrder(_ context.Context, side model.Side, id string) (*model.Order, error) {
	o, ok := q.m.orders[side][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (q *memQueries) FindBestCounter(_ context.Context, cq CounterQuery) (*model.Order, error) {
	var best *model.Order
	for _, o := range q.m.orders[cq.Side] {
		if o.InstrumentID != cq.InstrumentID || !o.Matchable(cq.Now) || o.UserID == cq.ExcludeUserID {
			continue
		}
		if cq.Side == model.SideAsk && o.Price.GreaterThan(cq.LimitPrice) {
			continue
		}
		if cq.Side == model.SideBid && o.Price.LessThan(cq.LimitPrice) {
			continue
		}
		if best == nil || ranksBefore(cq.Side, o, *best) {
			o := o
			best = &o
		}
	}
	return best, nil
}

// ranksBefore orders a book by price priority, then creation time, then id.
func ranksBefore(side model.Side, a, b model.Order) bool {
	if !a.Price.Equal(b.Price) {
		if side == model.SideAsk {
			return a.Price.LessThan(b.Price)
		}
		return a.Price.GreaterThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (q *memQueries) SetOrderStatus(_ context.Context, side model.Side, id string, status model.OrderStatus, at time.Time) error {
	book := q.m.orders[side]
	prev, ok := book[id]
	if !ok {
		return ErrNotFound
	}
	next := prev
	next.Status, next.UpdatedAt = status, at
	book[id] = next
	q.record(func() { book[id] = prev })
	return nil
}

func (q *memQueries) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, int, error) {
	var out []model.Order
	for _, o := range q.m.orders[f.Side] {
		if f.InstrumentID != "" && o.InstrumentID != f.InstrumentID {
			continue
		}
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return ranksBefore(f.Side, out[i], out[j]) })
	return page(out, f.Limit, f.Offset), len(out), nil
}

func (q *memQueries) ExpireOrders(ctx context.Context, now time.Time) ([]string, int, error) {
	seen := map[string]struct{}{}
	var (
		instruments []string
		count       int
	)
	for _, side := range []model.Side{model.SideBid, model.SideAsk} {
		for id, o := range q.m.orders[side] {
			if o.Status != model.OrderActive || o.ExpiresAt == nil || o.ExpiresAt.After(now) {
				continue
			}
			if err := q.SetOrderStatus(ctx, side, id, model.OrderExpired, now); err != nil {
				return nil, 0, err
			}
			count++
			if _, ok := seen[o.InstrumentID]; !ok {
				seen[o.InstrumentID] = struct{}{}
				instruments = append(instruments, o.InstrumentID)
			}
		}
	}
	sort.Strings(instruments)
	return instruments, count, nil
}

// --- trades ---

func (q *memQueries) InsertTrade(_ context.Context, t *model.Trade) error {
	key := pairKey(t.BidID, t.AskID)
	if _, exists := q.m.tradePairs[key]; exists {
		return fmt.Errorf("%w: trades_bid_ask_key", ErrConflict)
	}
	if _, exists := q.m.trades[t.ID]; exists {
		return fmt.Errorf("%w: trades_pkey", ErrConflict)
	}
	if t.BuyerID == t.SellerID {
		return fmt.Errorf("trade %s: buyer and seller must differ", t.ID)
	}
	q.m.trades[t.ID] = *t
	q.m.tradePairs[key] = t.ID
	q.record(func() {
		delete(q.m.trades, t.ID)
		delete(q.m.tradePairs, key)
	})
	return nil
}

func (q *memQueries) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	t, ok := q.m.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (q *memQueries) updateTrade(id string, mutate func(t *model.Trade)) error {
	prev, ok := q.m.trades[id]
	if !ok {
		return ErrNotFound
	}
	next := prev
	mutate(&next)
	q.m.trades[id] = next
	q.record(func() { q.m.trades[id] = prev })
	return nil
}

func (q *memQueries) SetTradeStatus(_ context.Context, id string, status model.TradeStatus, at time.Time) error {
	return q.updateTrade(id, func(t *model.Trade) {
		t.Status, t.UpdatedAt = status, at
	})
}

func (q *memQueries) SetTradeChatChannel(_ context.Context, id, channelID string, at time.Time) error {
	return q.updateTrade(id, func(t *model.Trade) {
		t.ChatChannelID, t.UpdatedAt = channelID, at
	})
}

func (q *memQueries) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, int, error) {
	var out []model.Trade
	for _, t := range q.m.trades {
		if f.UserID != "" && !t.IsParticipant(f.UserID) {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Limit, f.Offset), len(out), nil
}

// --- payments ---

func (q *memQueries) GetPaymentByProviderID(_ context.Context, providerPaymentID string) (*model.Payment, error) {
	id, ok := q.m.byProvider[providerPaymentID]
	if !ok {
		return nil, ErrNotFound
	}
	p := q.m.payments[id]
	return &p, nil
}

func (q *memQueries) GetTradePayment(_ context.Context, tradeID string, status model.PaymentStatus) (*model.Payment, error) {
	var found *model.Payment
	for _, p := range q.m.payments {
		if p.TradeID != tradeID || p.Status != status {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			p := p
			found = &p
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (q *memQueries) InsertPayment(_ context.Context, p *model.Payment) error {
	if _, exists := q.m.byProvider[p.ProviderPaymentID]; exists {
		return fmt.Errorf("%w: payments_provider_payment_id_key", ErrConflict)
	}
	if _, exists := q.m.byIdemKey[p.IdempotencyKey]; exists {
		return fmt.Errorf("%w: payments_idempotency_key_key", ErrConflict)
	}
	for _, existing := range q.m.payments {
		if existing.TradeID == p.TradeID && existing.Status != model.PaymentRefunded {
			return fmt.Errorf("%w: payments_open_per_trade_key", ErrConflict)
		}
	}
	q.m.payments[p.ID] = *p
	q.m.byProvider[p.ProviderPaymentID] = p.ID
	q.m.byIdemKey[p.IdempotencyKey] = p.ID
	q.record(func() {
		delete(q.m.payments, p.ID)
		delete(q.m.byProvider, p.ProviderPaymentID)
		delete(q.m.byIdemKey, p.IdempotencyKey)
	})
	return nil
}

func (q *memQueries) SetPaymentStatus(_ context.Context, id string, status model.PaymentStatus, at time.Time) error {
	prev, ok := q.m.payments[id]
	if !ok {
		return ErrNotFound
	}
	next := prev
	next.Status, next.UpdatedAt = status, at
	q.m.payments[id] = next
	q.record(func() { q.m.payments[id] = prev })
	return nil
}

// --- notifications ---

func (q *memQueries) InsertNotifications(_ context.Context, ns []model.Notification) error {
	n := len(q.m.notifications)
	q.m.notifications = append(q.m.notifications, ns...)
	q.record(func() { q.m.notifications = q.m.notifications[:n] })
	return nil
}

func (q *memQueries) ListNotifications(_ context.Context, f NotificationFilter) ([]model.Notification, int, error) {
	var out []model.Notification
	for i := len(q.m.notifications) - 1; i >= 0; i-- {
		n := q.m.notifications[i]
		if n.UserID != f.UserID || (f.UnreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	return page(out, f.Limit, f.Offset), len(out), nil
}

func (q *memQueries) CountUnread(_ context.Context, userID string) (int, error) {
	count := 0
	for _, n := range q.m.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (q *memQueries) MarkNotificationsRead(_ context.Context, userID string, ids []string) (int, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	updated := 0
	for i := range q.m.notifications {
		n := &q.m.notifications[i]
		if n.UserID != userID || n.Read {
			continue
		}
		if len(ids) > 0 {
			if _, ok := want[n.ID]; !ok {
				continue
			}
		}
		n.Read = true
		updated++
		idx := i
		q.record(func() { q.m.notifications[idx].Read = false })
	}
	return updated, nil
}

// --- non-transactional entry points ---

func (m *MemoryStore) GetInstrument(ctx context.Context, id string) (inst *model.Instrument, err error) {
	err = m.run(func(q *memQueries) error {
		inst, err = q.GetInstrument(ctx, id)
		return err
	})
	return inst, err
}

func (m *MemoryStore) UpsertInstrument(ctx context.Context, inst model.Instrument) error {
	return m.run(func(q *memQueries) error { return q.UpsertInstrument(ctx, inst) })
}

func (m *MemoryStore) LockInstrument(ctx context.Context, instrumentID string) error {
	return m.run(func(q *memQueries) error { return q.LockInstrument(ctx, instrumentID) })
}

func (m *MemoryStore) SaveMarketStats(ctx context.Context, instrumentID string, stats model.MarketStats, at time.Time) error {
	return m.run(func(q *memQueries) error { return q.SaveMarketStats(ctx, instrumentID, stats, at) })
}

func (m *MemoryStore) BestPrice(ctx context.Context, side model.Side, instrumentID string, now time.Time) (best decimal.NullDecimal, err error) {
	err = m.run(func(q *memQueries) error {
		best, err = q.BestPrice(ctx, side, instrumentID, now)
		return err
	})
	return best, err
}

func (m *MemoryStore) DeliveredSummary(ctx context.Context, instrumentID string) (last decimal.NullDecimal, count int, err error) {
	err = m.run(func(q *memQueries) error {
		last, count, err = q.DeliveredSummary(ctx, instrumentID)
		return err
	})
	return last, count, err
}

func (m *MemoryStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return m.run(func(q *memQueries) error { return q.InsertOrder(ctx, o) })
}

func (m *MemoryStore) GetOrder(ctx context.Context, side model.Side, id string) (o *model.Order, err error) {
	err = m.run(func(q *memQueries) error {
		o, err = q.GetOrder(ctx, side, id)
		return err
	})
	return o, err
}

func (m *MemoryStore) FindBestCounter(ctx context.Context, cq CounterQuery) (o *model.Order, err error) {
	err = m.run(func(q *memQueries) error {
		o, err = q.FindBestCounter(ctx, cq)
		return err
	})
	return o, err
}

func (m *MemoryStore) SetOrderStatus(ctx context.Context, side model.Side, id string, status model.OrderStatus, at time.Time) error {
	return m.run(func(q *memQueries) error { return q.SetOrderStatus(ctx, side, id, status, at) })
}

func (m *MemoryStore) ListOrders(ctx context.Context, f OrderFilter) (out []model.Order, total int, err error) {
	err = m.run(func(q *memQueries) error {
		out, total, err = q.ListOrders(ctx, f)
		return err
	})
	return out, total, err
}

func (m *MemoryStore) ExpireOrders(ctx context.Context, now time.Time) (ids []string, count int, err error) {
	err = m.run(func(q *memQueries) error {
		ids, count, err = q.ExpireOrders(ctx, now)
		return err
	})
	return ids, count, err
}

func (m *MemoryStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return m.run(func(q *memQueries) error { return q.InsertTrade(ctx, t) })
}

func (m *MemoryStore) GetTrade(ctx context.Context, id string) (t *model.Trade, err error) {
	err = m.run(func(q *memQueries) error {
		t, err = q.GetTrade(ctx, id)
		return err
	})
	return t, err
}

func (m *MemoryStore) SetTradeStatus(ctx context.Context, id string, status model.TradeStatus, at time.Time) error {
	return m.run(func(q *memQueries) error { return q.SetTradeStatus(ctx, id, status, at) })
}

func (m *MemoryStore) SetTradeChatChannel(ctx context.Context, id, channelID string, at time.Time) error {
	return m.run(func(q *memQueries) error { return q.SetTradeChatChannel(ctx, id, channelID, at) })
}

func (m *MemoryStore) ListTrades(ctx context.Context, f TradeFilter) (out []model.Trade, total int, err error) {
	err = m.run(func(q *memQueries) error {
		out, total, err = q.ListTrades(ctx, f)
		return err
	})
	return out, total, err
}

func (m *MemoryStore) GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (p *model.Payment, err error) {
	err = m.run(func(q *memQueries) error {
		p, err = q.GetPaymentByProviderID(ctx, providerPaymentID)
		return err
	})
	return p, err
}

func (m *MemoryStore) GetTradePayment(ctx context.Context, tradeID string, status model.PaymentStatus) (p *model.Payment, err error) {
	err = m.run(func(q *memQueries) error {
		p, err = q.GetTradePayment(ctx, tradeID, status)
		return err
	})
	return p, err
}

func (m *MemoryStore) InsertPayment(ctx context.Context, p *model.Payment) error {
	return m.run(func(q *memQueries) error { return q.InsertPayment(ctx, p) })
}

func (m *MemoryStore) SetPaymentStatus(ctx context.Context, id string, status model.PaymentStatus, at time.Time) error {
	return m.run(func(q *memQueries) error { return q.SetPaymentStatus(ctx, id, status, at) })
}

func (m *MemoryStore) InsertNotifications(ctx context.Context, ns []model.Notification) error {
	return m.run(func(q *memQueries) error { return q.InsertNotifications(ctx, ns) })
}

func (m *MemoryStore) ListNotifications(ctx context.Context, f NotificationFilter) (out []model.Notification, total int, err error) {
	err = m.run(func(q *memQueries) error {
		out, total, err = q.ListNotifications(ctx, f)
		return err
	})
	return out, total, err
}

func (m *MemoryStore) CountUnread(ctx context.Context, userID string) (n int, err error) {
	err = m.run(func(q *memQueries) error {
		n, err = q.CountUnread(ctx, userID)
		return err
	})
	return n, err
}

func (m *MemoryStore) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (n int, err error) {
	err = m.run(func(q *memQueries) error {
		n, err = q.MarkNotificationsRead(ctx, userID, ids)
		return err
	})
	return n, err
}
