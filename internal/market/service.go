package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// Config holds the trading rules applied by the service.
type Config struct {
	FeePercent decimal.Decimal
	MinPrice   decimal.Decimal
	MaxPrice   decimal.Decimal
	// DefaultExpiry applies when an order omits expiresAt. Zero means orders never expire.
	DefaultExpiry time.Duration
}

// DefaultConfig mirrors the production trading rules.
func DefaultConfig() Config {
	return Config{
		FeePercent:    decimal.RequireFromString("9.5"),
		MinPrice:      decimal.NewFromInt(1),
		MaxPrice:      decimal.NewFromInt(100000),
		DefaultExpiry: 30 * 24 * time.Hour,
	}
}

// CheckoutRequest describes a hosted checkout for one trade.
type CheckoutRequest struct {
	TradeID     string
	BuyerID     string
	Amount      decimal.Decimal
	PlatformFee decimal.Decimal
	Title       string
}

// Checkout is the provider's answer to a checkout request.
type Checkout struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PaymentProvider is the subset of the payment collaborator the service calls directly.
type PaymentProvider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	Refund(ctx context.Context, providerPaymentID string) error
}

// EventPublisher receives domain events after their transaction commits.
type EventPublisher interface {
	Publish(ctx context.Context, event any)
}

// Service is the order-matching and trade-settlement core.
// Every decision re-reads state inside a store transaction; nothing is cached between calls.
type Service struct {
	store    store.Store
	provider PaymentProvider
	events   EventPublisher
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	instrumentLocks *keyedMutex
	tradeLocks      *keyedMutex
}

func NewService(logger *zap.Logger, st store.Store, provider PaymentProvider, events EventPublisher, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:           st,
		provider:        provider,
		events:          events,
		cfg:             cfg,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
		instrumentLocks: newKeyedMutex(),
		tradeLocks:      newKeyedMutex(),
	}
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) publish(ctx context.Context, events ...any) {
	if s.events == nil {
		return
	}
	for _, e := range events {
		s.events.Publish(ctx, e)
	}
}

// storeErr maps store sentinels onto market kinds.
func storeErr(err error, what, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound(what, id)
	case errors.Is(err, store.ErrConflict):
		return &Error{Kind: KindConflict, Msg: what + " " + id, Err: err}
	}
	return err
}

// GetInstrument returns the instrument with its current market summary.
func (s *Service) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := s.store.GetInstrument(ctx, id)
	if err != nil {
		return nil, storeErr(err, "instrument", id)
	}
	return inst, nil
}

// RegisterInstrument records catalog metadata for an instrument. The catalog owns
// name and size; market summary fields are left untouched.
func (s *Service) RegisterInstrument(ctx context.Context, id, name, size string) error {
	if id == "" {
		return validationf("instrument id is required")
	}
	return s.store.UpsertInstrument(ctx, model.Instrument{ID: id, Name: name, Size: size})
}
