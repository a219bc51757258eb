package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/marketcore/pkg/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: unique constraint violated")
)

// CounterQuery selects the best resting order on Side that crosses LimitPrice.
type CounterQuery struct {
	Side          model.Side
	InstrumentID  string
	LimitPrice    decimal.Decimal
	ExcludeUserID string
	Now           time.Time
}

type OrderFilter struct {
	Side         model.Side
	InstrumentID string
	UserID       string
	Status       model.OrderStatus
	Limit        int
	Offset       int
}

type TradeFilter struct {
	UserID string
	Status model.TradeStatus
	Limit  int
	Offset int
}

type NotificationFilter struct {
	UserID     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Queries is every read and write the market core issues. Implementations run the
// same calls either against the connection pool or inside a transaction; inside a
// transaction the Get* order/trade lookups and FindBestCounter take row locks.
type Queries interface {
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	UpsertInstrument(ctx context.Context, inst model.Instrument) error
	LockInstrument(ctx context.Context, instrumentID string) error
	SaveMarketStats(ctx context.Context, instrumentID string, stats model.MarketStats, at time.Time) error
	BestPrice(ctx context.Context, side model.Side, instrumentID string, now time.Time) (decimal.NullDecimal, error)
	DeliveredSummary(ctx context.Context, instrumentID string) (decimal.NullDecimal, int, error)

	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, side model.Side, id string) (*model.Order, error)
	FindBestCounter(ctx context.Context, q CounterQuery) (*model.Order, error)
	SetOrderStatus(ctx context.Context, side model.Side, id string, status model.OrderStatus, at time.Time) error
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, int, error)
	ExpireOrders(ctx context.Context, now time.Time) ([]string, int, error)

	InsertTrade(ctx context.Context, t *model.Trade) error
	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	SetTradeStatus(ctx context.Context, id string, status model.TradeStatus, at time.Time) error
	SetTradeChatChannel(ctx context.Context, id, channelID string, at time.Time) error
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, int, error)

	GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*model.Payment, error)
	GetTradePayment(ctx context.Context, tradeID string, status model.PaymentStatus) (*model.Payment, error)
	InsertPayment(ctx context.Context, p *model.Payment) error
	SetPaymentStatus(ctx context.Context, id string, status model.PaymentStatus, at time.Time) error

	InsertNotifications(ctx context.Context, ns []model.Notification) error
	ListNotifications(ctx context.Context, f NotificationFilter) ([]model.Notification, int, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	// MarkNotificationsRead flags the given notifications of userID as read; an empty
	// ids slice marks all of them. Rows owned by other users are never touched.
	MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error)
}

// Store is the durable market store.
type Store interface {
	Queries
	// WithTx runs fn in one transaction. Any error from fn rolls back every write.
	WithTx(ctx context.Context, fn func(q Queries) error) error
	HealthCheck(ctx context.Context) error
	Close() error
}
