package payments

import (
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

func callbackApp(h *CallbackHandler) *fiber.App {
	app := fiber.New()
	app.Get("/api/v1/trades/:id/payment-callback", h.HandlePaymentCallback)
	return app
}

// follow issues the callback and returns the dashboard query it redirected to.
func follow(t *testing.T, app *fiber.App, target string) url.Values {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", target, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "market.example.com", loc.Host)
	assert.Equal(t, "/dashboard", loc.Path)
	return loc.Query()
}

func paymentWith(status, substatus string) func(string) (*Payment, error) {
	return func(id string) (*Payment, error) {
		return &Payment{ID: id, Status: status, Substatus: substatus}, nil
	}
}

func TestCallback_Redirects(t *testing.T) {
	tests := []struct {
		name       string
		trade      model.TradeStatus
		target     string
		fetch      func(string) (*Payment, error)
		want       string
		wantApply  market.Outcome
		wantPolled bool
	}{
		{"already paid", model.TradePaid, "/api/v1/trades/t1/payment-callback?payment_id=pay_1&checkout_status=success", nil, RedirectSuccess, "", false},
		{"checkout not successful", model.TradePaymentPending, "/api/v1/trades/t1/payment-callback?payment_id=pay_1&checkout_status=error", nil, RedirectFailed, "", false},
		{"paid status applies success", model.TradePaymentPending, "/api/v1/trades/t1/payment-callback?payment_id=pay_1&checkout_status=success", paymentWith("paid", ""), RedirectSuccess, market.OutcomeSucceeded, false},
		{"succeeded substatus applies success", model.TradePaymentPending, "/api/v1/trades/t1/payment-callback?payment_id=pay_1&checkout_status=success", paymentWith("open", "succeeded"), RedirectSuccess, market.OutcomeSucceeded, false},
		{"failed payment applies failure", model.TradePaymentPending, "/api/v1/trades/t1/payment-callback?payment_id=pay_1&checkout_status=success", paymentWith("failed", ""), RedirectFailed, market.OutcomeFailed, false},
		{"in flight starts poll", model.TradePaymentPending, "/api/v1/trades/t1/payment-callback?payment_id=pay_1&checkout_status=success", paymentWith("open", "pending"), RedirectPending, "", true},
		{"provider error", model.TradePaymentPending, "/api/v1/trades/t1/payment-callback?payment_id=pay_1&checkout_status=success", func(string) (*Payment, error) { return nil, errors.New("timeout") }, RedirectError, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recon := newFakeRecon(&model.Trade{ID: "t1", Status: tt.trade})
			fetcher := &fakeFetcher{getFn: tt.fetch}
			if fetcher.getFn == nil {
				fetcher.getFn = func(string) (*Payment, error) {
					t.Fatal("provider must not be queried")
					return nil, nil
				}
			}
			poller := NewPoller(zap.NewNop(), fetcher, recon, time.Hour, 1)
			defer poller.Stop()
			app := callbackApp(NewCallbackHandler(zap.NewNop(), recon, fetcher, poller, "https://market.example.com"))

			q := follow(t, app, tt.target)
			assert.Equal(t, tt.want, q.Get("payment"))
			assert.Equal(t, "t1", q.Get("tradeId"))

			events := recon.applied()
			if tt.wantApply == "" {
				assert.Empty(t, events)
			} else {
				require.Len(t, events, 1)
				assert.Equal(t, tt.wantApply, events[0].Outcome)
				assert.Equal(t, "callback", events[0].Source)
				assert.Equal(t, "pay_1", events[0].ProviderPaymentID)
			}
			assert.Equal(t, tt.wantPolled, poller.IsPolling("pay_1"))
		})
	}
}

func TestCallback_MissingParamsAndUnknownTrade(t *testing.T) {
	recon := newFakeRecon()
	fetcher := &fakeFetcher{getFn: paymentWith("paid", "")}
	app := callbackApp(NewCallbackHandler(zap.NewNop(), recon, fetcher, nil, "https://market.example.com/"))

	q := follow(t, app, "/api/v1/trades/t1/payment-callback")
	assert.Equal(t, RedirectError, q.Get("payment"))
	assert.Empty(t, q.Get("tradeId"))

	q = follow(t, app, "/api/v1/trades/nope/payment-callback?payment_id=pay_1&checkout_status=success")
	assert.Equal(t, RedirectError, q.Get("payment"))
	assert.Equal(t, "nope", q.Get("tradeId"))
}

func TestCallback_ApplyFailureRedirectsError(t *testing.T) {
	recon := newFakeRecon(&model.Trade{ID: "t1", Status: model.TradeMatched})
	recon.applyFn = func(market.PaymentEvent) (*market.PaymentResult, error) { return nil, errors.New("db down") }
	fetcher := &fakeFetcher{getFn: paymentWith("paid", "")}
	app := callbackApp(NewCallbackHandler(zap.NewNop(), recon, fetcher, nil, "https://market.example.com"))

	q := follow(t, app, "/api/v1/trades/t1/payment-callback?payment_id=pay_1&checkout_status=success")
	assert.Equal(t, RedirectError, q.Get("payment"))
}

func TestCallback_RejectsPaymentForAnotherTrade(t *testing.T) {
	recon := newFakeRecon(&model.Trade{ID: "t2", Status: model.TradePaymentPending, Price: decimal.RequireFromString("1000")})
	fetcher := &fakeFetcher{getFn: func(id string) (*Payment, error) {
		return &Payment{ID: id, Status: "paid", Total: decimal.RequireFromString("1000"), Metadata: map[string]string{"tradeId": "t1"}}, nil
	}}
	poller := NewPoller(zap.NewNop(), fetcher, recon, time.Hour, 1)
	defer poller.Stop()
	app := callbackApp(NewCallbackHandler(zap.NewNop(), recon, fetcher, poller, "https://market.example.com"))

	q := follow(t, app, "/api/v1/trades/t2/payment-callback?payment_id=pay_x&checkout_status=success")
	assert.Equal(t, RedirectError, q.Get("payment"))
	assert.Equal(t, "t2", q.Get("tradeId"))
	assert.Empty(t, recon.applied())
	assert.False(t, poller.IsPolling("pay_x"))
}

func TestCallback_RejectsUnderpayment(t *testing.T) {
	recon := newFakeRecon(&model.Trade{ID: "t2", Status: model.TradePaymentPending, Price: decimal.RequireFromString("1000")})
	fetcher := &fakeFetcher{getFn: func(id string) (*Payment, error) {
		return &Payment{ID: id, Status: "paid", Total: decimal.RequireFromString("1"), Metadata: map[string]string{"tradeId": "t2"}}, nil
	}}
	app := callbackApp(NewCallbackHandler(zap.NewNop(), recon, fetcher, nil, "https://market.example.com"))

	q := follow(t, app, "/api/v1/trades/t2/payment-callback?payment_id=pay_x&checkout_status=success")
	assert.Equal(t, RedirectError, q.Get("payment"))
	assert.Empty(t, recon.applied())
}

func TestCallback_AcceptsMatchingTradeReference(t *testing.T) {
	recon := newFakeRecon(&model.Trade{ID: "t2", Status: model.TradePaymentPending, Price: decimal.RequireFromString("1000")})
	fetcher := &fakeFetcher{getFn: func(id string) (*Payment, error) {
		return &Payment{ID: id, Status: "paid", Total: decimal.RequireFromString("1000"), Metadata: map[string]string{"tradeId": "t2"}}, nil
	}}
	app := callbackApp(NewCallbackHandler(zap.NewNop(), recon, fetcher, nil, "https://market.example.com"))

	q := follow(t, app, "/api/v1/trades/t2/payment-callback?payment_id=pay_x&checkout_status=success")
	assert.Equal(t, RedirectSuccess, q.Get("payment"))
	require.Len(t, recon.applied(), 1)
	assert.True(t, recon.applied()[0].Amount.Equal(decimal.RequireFromString("1000")))
}
