package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/internal/metrics"
	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// MarketService is the market core as seen by the HTTP layer.
type MarketService interface {
	PlaceBid(ctx context.Context, userID, instrumentID string, price decimal.Decimal, expiresAt *time.Time) (*market.PlaceResult, error)
	PlaceAsk(ctx context.Context, userID, instrumentID string, price decimal.Decimal, expiresAt *time.Time) (*market.PlaceResult, error)
	CancelOrder(ctx context.Context, side model.Side, orderID, userID string) (*model.Order, error)
	OrderBook(ctx context.Context, instrumentID string, side model.Side, page market.Page) ([]model.Order, market.Pagination, error)
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	RegisterInstrument(ctx context.Context, id, name, size string) error
	RecalculateStats(ctx context.Context, instrumentID string) (*model.Instrument, error)

	GetTrade(ctx context.Context, tradeID string, viewer market.Actor) (*model.Trade, error)
	ListTrades(ctx context.Context, userID string, status model.TradeStatus, page market.Page) ([]model.Trade, market.Pagination, error)
	RequestTransition(ctx context.Context, tradeID string, target model.TradeStatus, actor market.Actor) (*model.Trade, error)
	InitiatePayment(ctx context.Context, tradeID string, actor market.Actor) (*market.Checkout, error)
	ProcessRefund(ctx context.Context, tradeID string) (*market.PaymentResult, error)
	Portfolio(ctx context.Context, userID string) (*market.Portfolio, error)

	ListNotifications(ctx context.Context, userID string, unreadOnly bool, page market.Page) (*market.NotificationPage, error)
	MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
}

// StatsReader is the read side of the market summary cache.
type StatsReader interface {
	Get(ctx context.Context, instrumentID string) (*model.Instrument, error)
	Put(ctx context.Context, inst model.Instrument) error
}

// MarketHandler serves the marketplace HTTP API.
type MarketHandler struct {
	logger   *zap.Logger
	svc      MarketService
	stats    StatsReader
	pageSize int
	validate *validator.Validate
}

// NewMarketHandler creates a MarketHandler. stats is optional; without it the
// market summary is always read from the store.
func NewMarketHandler(logger *zap.Logger, svc MarketService, stats StatsReader, pageSize int) *MarketHandler {
	if pageSize <= 0 {
		pageSize = market.DefaultPageSize
	}
	return &MarketHandler{
		logger:   logger,
		svc:      svc,
		stats:    stats,
		pageSize: pageSize,
		validate: validator.New(),
	}
}

func (h *MarketHandler) fail(c *fiber.Ctx, op string, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		h.logger.Error("api."+op+".failed", zap.String("path", c.Path()), zap.Error(err))
		metrics.IncError("api", op)
	} else {
		h.logger.Debug("api."+op+".rejected", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(errorBody(err, code))
}

func (h *MarketHandler) parse(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return &market.Error{Kind: market.KindValidation, Msg: "invalid request body", Err: err}
	}
	if err := h.validate.Struct(out); err != nil {
		return &market.Error{Kind: market.KindValidation, Msg: "invalid request", Err: err}
	}
	return nil
}

func (h *MarketHandler) page(c *fiber.Ctx) market.Page {
	return market.Page{Number: c.QueryInt("page", 1), Size: c.QueryInt("pageSize", h.pageSize)}
}

// PlaceOrder handles POST /api/v1/bids and /api/v1/asks.
func (h *MarketHandler) PlaceOrder(side model.Side) fiber.Handler {
	place := h.svc.PlaceBid
	if side == model.SideAsk {
		place = h.svc.PlaceAsk
	}
	return func(c *fiber.Ctx) error {
		var req PlaceOrderRequest
		if err := h.parse(c, &req); err != nil {
			return h.fail(c, "place_order", err)
		}

		res, err := place(c.UserContext(), actorOf(c).UserID, req.InstrumentID, req.Price, req.ExpiresAt)
		if err != nil {
			return h.fail(c, "place_order", err)
		}

		h.logger.Info("api.order_placed",
			zap.String("side", string(side)),
			zap.String("order_id", res.Order.ID),
			zap.Bool("matched", res.Trade != nil))
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"order":   res.Order,
			"trade":   res.Trade,
			"matched": res.Trade != nil,
		})
	}
}

// CancelOrder handles DELETE /api/v1/bids/:id and /api/v1/asks/:id.
func (h *MarketHandler) CancelOrder(side model.Side) fiber.Handler {
	return func(c *fiber.Ctx) error {
		order, err := h.svc.CancelOrder(c.UserContext(), side, c.Params("id"), actorOf(c).UserID)
		if err != nil {
			return h.fail(c, "cancel_order", err)
		}
		return c.JSON(fiber.Map{"order": order})
	}
}

// OrderBook handles GET /api/v1/instruments/:id/bids and .../asks.
func (h *MarketHandler) OrderBook(side model.Side) fiber.Handler {
	return func(c *fiber.Ctx) error {
		orders, pg, err := h.svc.OrderBook(c.UserContext(), c.Params("id"), side, h.page(c))
		if err != nil {
			return h.fail(c, "order_book", err)
		}
		return c.JSON(fiber.Map{"orders": orders, "pagination": pg})
	}
}

// MarketSummary handles GET /api/v1/instruments/:id/market.
func (h *MarketHandler) MarketSummary(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")

	if h.stats != nil {
		inst, err := h.stats.Get(ctx, id)
		switch {
		case err == nil:
			metrics.IncStatsCache("hit")
			return c.JSON(inst)
		case errors.Is(err, store.ErrNotFound):
			metrics.IncStatsCache("miss")
		default:
			metrics.IncStatsCache("error")
			h.logger.Warn("api.stats_cache.read_failed", zap.String("instrument_id", id), zap.Error(err))
		}
	}

	inst, err := h.svc.GetInstrument(ctx, id)
	if err != nil {
		return h.fail(c, "market_summary", err)
	}
	if h.stats != nil {
		if err := h.stats.Put(ctx, *inst); err != nil {
			h.logger.Warn("api.stats_cache.write_failed", zap.String("instrument_id", id), zap.Error(err))
		}
	}
	return c.JSON(inst)
}

// PutInstrument handles PUT /api/v1/instruments/:id (admin).
func (h *MarketHandler) PutInstrument(c *fiber.Ctx) error {
	if !actorOf(c).IsAdmin() {
		return h.fail(c, "put_instrument", market.ErrForbidden)
	}
	var req InstrumentRequest
	if err := h.parse(c, &req); err != nil {
		return h.fail(c, "put_instrument", err)
	}
	id := c.Params("id")
	if err := h.svc.RegisterInstrument(c.UserContext(), id, req.Name, req.Size); err != nil {
		return h.fail(c, "put_instrument", err)
	}
	inst, err := h.svc.GetInstrument(c.UserContext(), id)
	if err != nil {
		return h.fail(c, "put_instrument", err)
	}
	return c.JSON(inst)
}

// RecalculateStats handles POST /api/v1/instruments/:id/recalculate (admin).
func (h *MarketHandler) RecalculateStats(c *fiber.Ctx) error {
	if !actorOf(c).IsAdmin() {
		return h.fail(c, "recalculate_stats", market.ErrForbidden)
	}
	inst, err := h.svc.RecalculateStats(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, "recalculate_stats", err)
	}
	return c.JSON(inst)
}

// ListTrades handles GET /api/v1/trades?status=.
func (h *MarketHandler) ListTrades(c *fiber.Ctx) error {
	var status model.TradeStatus
	if raw := strings.ToUpper(strings.TrimSpace(c.Query("status"))); raw != "" {
		s, ok := model.ParseTradeStatus(raw)
		if !ok {
			return h.fail(c, "list_trades", &market.Error{Kind: market.KindValidation, Msg: "unknown trade status " + raw})
		}
		status = s
	}
	trades, pg, err := h.svc.ListTrades(c.UserContext(), actorOf(c).UserID, status, h.page(c))
	if err != nil {
		return h.fail(c, "list_trades", err)
	}
	return c.JSON(fiber.Map{"trades": trades, "pagination": pg})
}

// GetTrade handles GET /api/v1/trades/:id.
func (h *MarketHandler) GetTrade(c *fiber.Ctx) error {
	trade, err := h.svc.GetTrade(c.UserContext(), c.Params("id"), actorOf(c))
	if err != nil {
		return h.fail(c, "get_trade", err)
	}
	return c.JSON(fiber.Map{"trade": trade})
}

// UpdateTrade handles PATCH /api/v1/trades/:id.
func (h *MarketHandler) UpdateTrade(c *fiber.Ctx) error {
	var req TransitionRequest
	if err := h.parse(c, &req); err != nil {
		return h.fail(c, "update_trade", err)
	}
	target, ok := model.ParseTradeStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !ok {
		return h.fail(c, "update_trade", &market.Error{Kind: market.KindValidation, Msg: "unknown trade status " + req.Status})
	}
	actor := actorOf(c)
	trade, err := h.svc.RequestTransition(c.UserContext(), c.Params("id"), target, actor)
	if err != nil {
		return h.fail(c, "update_trade", err)
	}
	h.logger.Info("api.trade_transition",
		zap.String("trade_id", trade.ID),
		zap.String("status", string(trade.Status)),
		zap.String("actor", actor.UserID))
	return c.JSON(fiber.Map{"trade": trade})
}

// Checkout handles POST /api/v1/trades/:id/checkout.
func (h *MarketHandler) Checkout(c *fiber.Ctx) error {
	co, err := h.svc.InitiatePayment(c.UserContext(), c.Params("id"), actorOf(c))
	if err != nil {
		return h.fail(c, "checkout", err)
	}
	return c.JSON(fiber.Map{"checkoutId": co.ID, "checkoutUrl": co.URL})
}

// Refund handles POST /api/v1/trades/:id/refund (admin).
func (h *MarketHandler) Refund(c *fiber.Ctx) error {
	if !actorOf(c).IsAdmin() {
		return h.fail(c, "refund", market.ErrForbidden)
	}
	res, err := h.svc.ProcessRefund(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, "refund", err)
	}
	return c.JSON(fiber.Map{"trade": res.Trade, "payment": res.Payment})
}

// Portfolio handles GET /api/v1/portfolio.
func (h *MarketHandler) Portfolio(c *fiber.Ctx) error {
	p, err := h.svc.Portfolio(c.UserContext(), actorOf(c).UserID)
	if err != nil {
		return h.fail(c, "portfolio", err)
	}
	return c.JSON(p)
}

// ListNotifications handles GET /api/v1/notifications?unread=true.
func (h *MarketHandler) ListNotifications(c *fiber.Ctx) error {
	page := h.page(c)
	res, err := h.svc.ListNotifications(c.UserContext(), actorOf(c).UserID, c.QueryBool("unread", false), page)
	if err != nil {
		return h.fail(c, "list_notifications", err)
	}
	return c.JSON(fiber.Map{
		"notifications": res.Items,
		"unreadCount":   res.Unread,
		"pagination":    res.Page.Pagination(res.Total),
	})
}

// MarkNotificationsRead handles POST /api/v1/notifications/read.
func (h *MarketHandler) MarkNotificationsRead(c *fiber.Ctx) error {
	var req MarkReadRequest
	if err := h.parse(c, &req); err != nil {
		return h.fail(c, "mark_notifications", err)
	}
	n, err := h.svc.MarkNotificationsRead(c.UserContext(), actorOf(c).UserID, req.NotificationIDs)
	if err != nil {
		return h.fail(c, "mark_notifications", err)
	}
	return c.JSON(fiber.Map{"updated": n})
}

// MarkNotificationRead handles POST /api/v1/notifications/:id/read. Marking a
// notification that is already read, or not the caller's, updates nothing.
func (h *MarketHandler) MarkNotificationRead(c *fiber.Ctx) error {
	n, err := h.svc.MarkNotificationsRead(c.UserContext(), actorOf(c).UserID, []string{c.Params("id")})
	if err != nil {
		return h.fail(c, "mark_notification", err)
	}
	return c.JSON(fiber.Map{"updated": n})
}

// MarkAllNotificationsRead handles POST /api/v1/notifications/read-all.
func (h *MarketHandler) MarkAllNotificationsRead(c *fiber.Ctx) error {
	n, err := h.svc.MarkAllNotificationsRead(c.UserContext(), actorOf(c).UserID)
	if err != nil {
		return h.fail(c, "mark_all_notifications", err)
	}
	return c.JSON(fiber.Map{"updated": n})
}
