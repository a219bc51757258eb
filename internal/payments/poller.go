package payments

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// PaymentFetcher reads a payment's current state from the provider.
type PaymentFetcher interface {
	GetPayment(ctx context.Context, providerPaymentID string) (*Payment, error)
}

// Reconciler is the part of the market service payment handlers drive.
type Reconciler interface {
	ApplyPaymentEvent(ctx context.Context, ev market.PaymentEvent) (*market.PaymentResult, error)
	Trade(ctx context.Context, tradeID string) (*model.Trade, error)
}

// Poller checks a payment until the provider reports a final outcome.
// It is the fallback for buyers who return from checkout before the webhook lands.
type Poller struct {
	logger      *zap.Logger
	fetcher     PaymentFetcher
	recon       Reconciler
	interval    time.Duration
	maxAttempts int

	active   sync.Map // provider payment id -> *pollHandle
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

type pollHandle struct {
	cancel context.CancelFunc
}

func NewPoller(logger *zap.Logger, fetcher PaymentFetcher, recon Reconciler, interval time.Duration, maxAttempts int) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 30
	}
	return &Poller{
		logger:      logger,
		fetcher:     fetcher,
		recon:       recon,
		interval:    interval,
		maxAttempts: maxAttempts,
		stopCh:      make(chan struct{}),
	}
}

// Watch polls providerPaymentID in the background and applies the outcome to tradeID.
// A payment already being watched is left alone.
func (p *Poller) Watch(parentCtx context.Context, tradeID, providerPaymentID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	h := &pollHandle{cancel: cancel}
	if _, exists := p.active.LoadOrStore(providerPaymentID, h); exists {
		cancel()
		p.logger.Debug("payments.poll_already_active", zap.String("payment_id", providerPaymentID))
		return
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			p.active.CompareAndDelete(providerPaymentID, h)
			cancel()
			p.wg.Done()
		}()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for attempt := 1; ; attempt++ {
			select {
			case <-ctx.Done():
				p.logger.Info("payments.poll_stopped",
					zap.String("trade_id", tradeID),
					zap.String("payment_id", providerPaymentID))
				return
			case <-p.stopCh:
				p.logger.Info("payments.poll_stopped",
					zap.String("payment_id", providerPaymentID),
					zap.String("reason", "poller_shutdown"))
				return
			case <-ticker.C:
			}

			if p.pollOnce(ctx, tradeID, providerPaymentID) {
				return
			}
			if attempt >= p.maxAttempts {
				p.logger.Warn("payments.poll_gave_up",
					zap.String("trade_id", tradeID),
					zap.String("payment_id", providerPaymentID),
					zap.Int("attempts", attempt))
				return
			}
		}
	}()
}

// pollOnce reports whether polling is finished.
func (p *Poller) pollOnce(ctx context.Context, tradeID, providerPaymentID string) bool {
	payment, err := p.fetcher.GetPayment(ctx, providerPaymentID)
	if err != nil {
		p.logger.Warn("payments.poll_error", zap.String("payment_id", providerPaymentID), zap.Error(err))
		return false
	}
	if !payment.settles(tradeID) {
		p.logger.Error("payments.poll_trade_mismatch",
			zap.String("trade_id", tradeID),
			zap.String("payment_id", providerPaymentID),
			zap.String("payment_trade_id", payment.TradeID()))
		return true
	}
	outcome, final := NormalizeOutcome(payment.Status, payment.Substatus)
	if !final {
		return false
	}

	_, err = p.recon.ApplyPaymentEvent(ctx, market.PaymentEvent{
		TradeID:           tradeID,
		ProviderPaymentID: providerPaymentID,
		Outcome:           outcome,
		Amount:            payment.Total,
		Source:            "poller",
	})
	if err != nil {
		p.logger.Warn("payments.poll_apply_failed",
			zap.String("trade_id", tradeID),
			zap.String("payment_id", providerPaymentID),
			zap.Error(err))
		return isRejection(err)
	}
	p.logger.Info("payments.poll_applied",
		zap.String("trade_id", tradeID),
		zap.String("payment_id", providerPaymentID),
		zap.String("outcome", string(outcome)))
	return true
}

// CancelPolling stops the poll for a payment, e.g. when its webhook arrives.
func (p *Poller) CancelPolling(providerPaymentID string) {
	if h, ok := p.active.LoadAndDelete(providerPaymentID); ok {
		p.logger.Info("payments.polling_cancelled_by_webhook", zap.String("payment_id", providerPaymentID))
		h.(*pollHandle).cancel()
	}
}

func (p *Poller) IsPolling(providerPaymentID string) bool {
	_, ok := p.active.Load(providerPaymentID)
	return ok
}

// Stop ends every poll and waits for the goroutines to exit.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
