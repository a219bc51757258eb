package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/httpclient"
	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/internal/metrics"
	"github.com/Checker-Finance/marketcore/internal/rate"
)

const rateLimitKey = "payments"

// Client talks to the hosted-checkout payment provider.
// It implements market.PaymentProvider.
type Client struct {
	logger *zap.Logger
	exec   *httpclient.Executor
	creds  CredentialsFunc
	appURL string
}

// NewClient builds a provider client. appURL is the public base URL the provider
// redirects buyers back to after checkout.
func NewClient(logger *zap.Logger, rateMgr *rate.Manager, httpClient *http.Client, creds CredentialsFunc, appURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	exec := httpclient.New(logger, rateMgr, httpClient, 2, "payments", func(status int, body []byte) error {
		var errResp errorResponse
		_ = json.Unmarshal(body, &errResp)

		logger.Warn("payments.client_error",
			zap.Int("status", status),
			zap.String("type", errResp.Error.Type),
			zap.String("message", errResp.Error.Message))

		msg := errResp.Error.Message
		if msg == "" {
			msg = string(body)
		}
		return fmt.Errorf("payment provider returned %d: %s", status, msg)
	})
	return &Client{
		logger: logger,
		exec:   exec,
		creds:  creds,
		appURL: strings.TrimRight(appURL, "/"),
	}
}

// CallbackURL is where the provider sends the buyer once checkout finishes.
func (c *Client) CallbackURL(tradeID string) string {
	return fmt.Sprintf("%s/api/v1/trades/%s/payment-callback", c.appURL, url.PathEscape(tradeID))
}

// CreateCheckout opens a one-time hosted checkout for a trade.
// POST /api/v1/checkout_configurations
func (c *Client) CreateCheckout(ctx context.Context, req market.CheckoutRequest) (*market.Checkout, error) {
	var resp checkoutConfigurationResponse
	err := c.call(ctx, "create_checkout", http.MethodPost, "/api/v1/checkout_configurations",
		func(cr Credentials) any {
			return checkoutConfigurationRequest{
				RedirectURL: c.CallbackURL(req.TradeID),
				Plan: checkoutPlan{
					CompanyID:            cr.CompanyID,
					Currency:             "usd",
					InitialPrice:         amount(req.Amount),
					PlanType:             "one_time",
					ApplicationFeeAmount: amount(req.PlatformFee),
				},
				Metadata: map[string]string{
					"tradeId": req.TradeID,
					"buyerId": req.BuyerID,
					"title":   req.Title,
				},
			}
		}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" || resp.PurchaseURL == "" {
		return nil, errors.New("payment provider returned an incomplete checkout")
	}
	return &market.Checkout{ID: resp.ID, URL: resp.PurchaseURL}, nil
}

// GetPayment retrieves a payment by provider id.
// GET /api/v1/payments/{id}
func (c *Client) GetPayment(ctx context.Context, providerPaymentID string) (*Payment, error) {
	var resp Payment
	if err := c.call(ctx, "get_payment", http.MethodGet, "/api/v1/payments/"+url.PathEscape(providerPaymentID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refund refunds a payment in full.
// POST /api/v1/payments/{id}/refund
func (c *Client) Refund(ctx context.Context, providerPaymentID string) error {
	path := "/api/v1/payments/" + url.PathEscape(providerPaymentID) + "/refund"
	return c.call(ctx, "refund", http.MethodPost, path, nil, nil)
}

// call resolves credentials, builds the request body from them, and records metrics.
func (c *Client) call(ctx context.Context, op, method, path string, body func(Credentials) any, out any) error {
	start := time.Now()
	defer metrics.ObserveDuration(metrics.ProviderRequestDuration, start, op)

	cr, err := c.creds(ctx)
	if err != nil {
		metrics.IncProviderRequest(op, "error")
		return fmt.Errorf("payment credentials: %w", err)
	}

	var payload any
	if body != nil {
		payload = body(cr)
	}
	req, err := httpclient.NewJSONRequest(ctx, method, cr.BaseURL+path, payload)
	if err != nil {
		metrics.IncProviderRequest(op, "error")
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cr.APIKey)

	if err := c.exec.DoJSON(ctx, req, rateLimitKey, out); err != nil {
		metrics.IncProviderRequest(op, "error")
		return fmt.Errorf("payments %s: %w", op, err)
	}
	metrics.IncProviderRequest(op, "ok")
	return nil
}
