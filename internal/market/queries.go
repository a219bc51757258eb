package market

import (
	"context"

	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

const (
	DefaultPageSize = 24
	MaxPageSize     = 100
)

// Page selects a 1-based page of results.
type Page struct {
	Number int
	Size   int
}

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) offset() int { return (p.Number - 1) * p.Size }

// Pagination is the response block describing a page.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func (p Page) Pagination(total int) Pagination {
	p = p.normalize()
	return Pagination{
		Page:       p.Number,
		PageSize:   p.Size,
		Total:      total,
		TotalPages: (total + p.Size - 1) / p.Size,
	}
}

// OrderBook returns one page of ACTIVE orders on a side, best price first.
func (s *Service) OrderBook(ctx context.Context, instrumentID string, side model.Side, page Page) ([]model.Order, Pagination, error) {
	if !side.Valid() {
		return nil, Pagination{}, validationf("unknown order side %q", side)
	}
	if _, err := s.store.GetInstrument(ctx, instrumentID); err != nil {
		return nil, Pagination{}, storeErr(err, "instrument", instrumentID)
	}
	page = page.normalize()
	items, total, err := s.store.ListOrders(ctx, store.OrderFilter{
		Side:         side,
		InstrumentID: instrumentID,
		Status:       model.OrderActive,
		Limit:        page.Size,
		Offset:       page.offset(),
	})
	if err != nil {
		return nil, Pagination{}, err
	}
	if items == nil {
		items = []model.Order{}
	}
	return items, page.Pagination(total), nil
}

// GetTrade returns a trade to one of its participants or an admin.
func (s *Service) GetTrade(ctx context.Context, tradeID string, viewer Actor) (*model.Trade, error) {
	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, storeErr(err, "trade", tradeID)
	}
	if !viewer.IsAdmin() && !t.IsParticipant(viewer.UserID) {
		return nil, forbidden("not authorized to view this trade")
	}
	return t, nil
}

func (s *Service) ListTrades(ctx context.Context, userID string, status model.TradeStatus, page Page) ([]model.Trade, Pagination, error) {
	if userID == "" {
		return nil, Pagination{}, validationf("user id is required")
	}
	page = page.normalize()
	items, total, err := s.store.ListTrades(ctx, store.TradeFilter{
		UserID: userID,
		Status: status,
		Limit:  page.Size,
		Offset: page.offset(),
	})
	if err != nil {
		return nil, Pagination{}, err
	}
	if items == nil {
		items = []model.Trade{}
	}
	return items, page.Pagination(total), nil
}

// Portfolio is a user's resting orders and recent trades.
type Portfolio struct {
	Bids   []model.Order `json:"bids"`
	Asks   []model.Order `json:"asks"`
	Trades []model.Trade `json:"trades"`
}

func (s *Service) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	if userID == "" {
		return nil, validationf("user id is required")
	}
	out := &Portfolio{}
	for _, side := range []model.Side{model.SideBid, model.SideAsk} {
		orders, _, err := s.store.ListOrders(ctx, store.OrderFilter{
			Side:   side,
			UserID: userID,
			Status: model.OrderActive,
			Limit:  MaxPageSize,
		})
		if err != nil {
			return nil, err
		}
		if orders == nil {
			orders = []model.Order{}
		}
		if side == model.SideBid {
			out.Bids = orders
		} else {
			out.Asks = orders
		}
	}
	trades, _, err := s.store.ListTrades(ctx, store.TradeFilter{UserID: userID, Limit: MaxPageSize})
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	out.Trades = trades
	return out, nil
}

// AttachChatChannel stores the chat channel opened for a trade.
func (s *Service) AttachChatChannel(ctx context.Context, tradeID, channelID string) error {
	if err := s.store.SetTradeChatChannel(ctx, tradeID, channelID, s.now()); err != nil {
		return storeErr(err, "trade", tradeID)
	}
	return nil
}

// Trade returns a trade without viewer checks, for internal collaborators.
func (s *Service) Trade(ctx context.Context, tradeID string) (*model.Trade, error) {
	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, storeErr(err, "trade", tradeID)
	}
	return t, nil
}
