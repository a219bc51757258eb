package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/internal/metrics"
)

const DefaultSignatureHeader = "X-Whop-Signature"

var validate = validator.New()

// WebhookHandler receives provider payment webhooks.
type WebhookHandler struct {
	logger    *zap.Logger
	recon     Reconciler
	poller    *Poller
	secret    string
	sigHeader string
}

// NewWebhookHandler creates a WebhookHandler. poller may be nil; an empty secret
// disables signature checks.
func NewWebhookHandler(logger *zap.Logger, recon Reconciler, poller *Poller, secret, sigHeader string) *WebhookHandler {
	if strings.TrimSpace(sigHeader) == "" {
		sigHeader = DefaultSignatureHeader
	}
	return &WebhookHandler{
		logger:    logger,
		recon:     recon,
		poller:    poller,
		secret:    secret,
		sigHeader: sigHeader,
	}
}

// HandlePaymentWebhook processes payment outcome deliveries.
// POST /webhooks/payments
//
// Deliveries are applied synchronously. Internal failures answer 500 so the
// provider redelivers; applying an event twice is a no-op.
func (h *WebhookHandler) HandlePaymentWebhook(c *fiber.Ctx) error {
	if h.secret != "" {
		signature := c.Get(h.sigHeader)
		if signature == "" || !validateWebhookSignature(h.secret, signature, c.Body()) {
			h.logger.Warn("payments.webhook.invalid_signature", zap.String("header", h.sigHeader))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
		}
	}

	var event WebhookEvent
	if err := json.Unmarshal(c.Body(), &event); err != nil {
		h.logger.Warn("payments.webhook.parse_error", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if err := validate.Struct(event); err != nil {
		h.logger.Warn("payments.webhook.invalid_event", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	payment := event.Data
	h.logger.Info("payments.webhook.received",
		zap.String("event", event.Type),
		zap.String("payment_id", payment.ID),
		zap.String("status", payment.Status),
		zap.String("trade_id", payment.TradeID()))

	var outcome market.Outcome
	switch event.Type {
	case EventPaymentSucceeded:
		outcome = market.OutcomeSucceeded
	case EventPaymentFailed:
		outcome = market.OutcomeFailed
	default:
		h.logger.Debug("payments.webhook.ignored", zap.String("event", event.Type))
		return c.JSON(fiber.Map{"status": "ignored"})
	}

	if h.poller != nil {
		h.poller.CancelPolling(payment.ID)
	}

	tradeID := payment.TradeID()
	if tradeID == "" {
		h.logger.Warn("payments.webhook.missing_trade", zap.String("payment_id", payment.ID))
		return c.JSON(fiber.Map{"status": "ignored"})
	}

	res, err := h.recon.ApplyPaymentEvent(c.UserContext(), market.PaymentEvent{
		TradeID:           tradeID,
		ProviderPaymentID: payment.ID,
		Outcome:           outcome,
		Amount:            payment.Total,
		Source:            "webhook",
	})
	if err != nil {
		if isRejection(err) {
			h.logger.Warn("payments.webhook.rejected",
				zap.String("payment_id", payment.ID),
				zap.String("trade_id", tradeID),
				zap.Error(err))
			return c.JSON(fiber.Map{"status": "rejected"})
		}
		h.logger.Error("payments.webhook.apply_failed",
			zap.String("payment_id", payment.ID),
			zap.String("trade_id", tradeID),
			zap.Error(err))
		metrics.IncError("payments", "webhook_apply_failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	status := "applied"
	if res.Duplicate {
		status = "duplicate"
	}
	return c.JSON(fiber.Map{"status": status})
}

func validateWebhookSignature(secret, signature string, body []byte) bool {
	normalized := strings.TrimSpace(signature)
	if strings.HasPrefix(strings.ToLower(normalized), "sha256=") {
		normalized = normalized[7:]
	}
	expected, err := hex.DecodeString(normalized)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign computes the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
