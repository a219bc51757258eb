package payments

import (
	"context"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

// Redirect outcomes surfaced to the dashboard.
const (
	RedirectSuccess = "success"
	RedirectFailed  = "failed"
	RedirectPending = "pending"
	RedirectError   = "error"
)

// CallbackHandler serves the buyer's redirect back from hosted checkout. It
// confirms the payment with the provider so the trade does not wait on the webhook.
type CallbackHandler struct {
	logger  *zap.Logger
	recon   Reconciler
	fetcher PaymentFetcher
	poller  *Poller
	appURL  string
}

func NewCallbackHandler(logger *zap.Logger, recon Reconciler, fetcher PaymentFetcher, poller *Poller, appURL string) *CallbackHandler {
	return &CallbackHandler{
		logger:  logger,
		recon:   recon,
		fetcher: fetcher,
		poller:  poller,
		appURL:  strings.TrimRight(appURL, "/"),
	}
}

func (h *CallbackHandler) redirect(c *fiber.Ctx, outcome, tradeID string) error {
	q := url.Values{}
	q.Set("payment", outcome)
	if tradeID != "" {
		q.Set("tradeId", tradeID)
	}
	return c.Redirect(h.appURL+"/dashboard?"+q.Encode(), fiber.StatusFound)
}

// HandlePaymentCallback resolves a checkout redirect.
// GET /api/v1/trades/:id/payment-callback?payment_id=&checkout_status=
func (h *CallbackHandler) HandlePaymentCallback(c *fiber.Ctx) error {
	tradeID := c.Params("id")
	paymentID := c.Query("payment_id")
	if tradeID == "" || paymentID == "" {
		return h.redirect(c, RedirectError, "")
	}
	ctx := c.UserContext()

	trade, err := h.recon.Trade(ctx, tradeID)
	if err != nil {
		h.logger.Warn("payments.callback.trade_lookup_failed", zap.String("trade_id", tradeID), zap.Error(err))
		return h.redirect(c, RedirectError, tradeID)
	}
	if trade.Status == model.TradePaid {
		return h.redirect(c, RedirectSuccess, tradeID)
	}
	if c.Query("checkout_status") != "success" {
		return h.redirect(c, RedirectFailed, tradeID)
	}

	payment, err := h.fetcher.GetPayment(ctx, paymentID)
	if err != nil {
		h.logger.Error("payments.callback.status_failed",
			zap.String("trade_id", tradeID),
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return h.redirect(c, RedirectError, tradeID)
	}
	if !payment.settles(tradeID) {
		h.logger.Warn("payments.callback.trade_mismatch",
			zap.String("trade_id", tradeID),
			zap.String("payment_id", paymentID),
			zap.String("payment_trade_id", payment.TradeID()))
		return h.redirect(c, RedirectError, tradeID)
	}
	if !payment.Total.IsZero() && payment.Total.LessThan(trade.Price) {
		h.logger.Warn("payments.callback.underpaid",
			zap.String("trade_id", tradeID),
			zap.String("payment_id", paymentID),
			zap.String("total", payment.Total.StringFixed(2)),
			zap.String("price", trade.Price.StringFixed(2)))
		return h.redirect(c, RedirectError, tradeID)
	}

	outcome, final := NormalizeOutcome(payment.Status, payment.Substatus)
	if !final {
		if h.poller != nil {
			h.poller.Watch(context.WithoutCancel(ctx), tradeID, paymentID)
		}
		return h.redirect(c, RedirectPending, tradeID)
	}

	_, err = h.recon.ApplyPaymentEvent(ctx, market.PaymentEvent{
		TradeID:           tradeID,
		ProviderPaymentID: paymentID,
		Outcome:           outcome,
		Amount:            payment.Total,
		Source:            "callback",
	})
	if err != nil {
		h.logger.Error("payments.callback.apply_failed",
			zap.String("trade_id", tradeID),
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return h.redirect(c, RedirectError, tradeID)
	}

	if outcome == market.OutcomeSucceeded {
		return h.redirect(c, RedirectSuccess, tradeID)
	}
	return h.redirect(c, RedirectFailed, tradeID)
}
