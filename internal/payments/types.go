package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/internal/secrets"
)

// SecretName is the name of the provider credentials secret.
const SecretName = "payments"

// Credentials are the payment provider settings. Production reads them from
// Secrets Manager; local runs build them from the environment.
type Credentials struct {
	BaseURL   string
	APIKey    string
	CompanyID string
	// WebhookSecret is optional. Without it webhook signatures are not checked.
	WebhookSecret string
}

// ParseCredentials extracts Credentials from a raw secret map.
func ParseCredentials(m map[string]string) (Credentials, error) {
	c := Credentials{
		BaseURL:       strings.TrimRight(strings.TrimSpace(m["base_url"]), "/"),
		APIKey:        strings.TrimSpace(m["api_key"]),
		CompanyID:     strings.TrimSpace(m["company_id"]),
		WebhookSecret: strings.TrimSpace(m["webhook_secret"]),
	}
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if c.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if c.CompanyID == "" {
		missing = append(missing, "company_id")
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("payment credentials missing %s", strings.Join(missing, ", "))
	}
	return c, nil
}

// CredentialsFunc returns the credentials to use for the next request.
type CredentialsFunc func(ctx context.Context) (Credentials, error)

func StaticCredentials(c Credentials) CredentialsFunc {
	return func(context.Context) (Credentials, error) { return c, nil }
}

// SecretCredentials resolves credentials through the cached secrets resolver.
func SecretCredentials(r *secrets.Resolver[Credentials]) CredentialsFunc {
	return func(ctx context.Context) (Credentials, error) {
		return r.Resolve(ctx, SecretName)
	}
}

// --- provider wire types ---

type checkoutPlan struct {
	CompanyID            string      `json:"company_id"`
	Currency             string      `json:"currency"`
	InitialPrice         json.Number `json:"initial_price"`
	PlanType             string      `json:"plan_type"`
	ApplicationFeeAmount json.Number `json:"application_fee_amount"`
}

type checkoutConfigurationRequest struct {
	RedirectURL string            `json:"redirect_url"`
	Plan        checkoutPlan      `json:"plan"`
	Metadata    map[string]string `json:"metadata"`
}

type checkoutConfigurationResponse struct {
	ID          string `json:"id"`
	PurchaseURL string `json:"purchase_url"`
}

// Payment is a provider payment as returned by the API and carried in webhooks.
type Payment struct {
	ID        string            `json:"id" validate:"required"`
	Status    string            `json:"status"`
	Substatus string            `json:"substatus"`
	Total     decimal.Decimal   `json:"total"`
	Currency  string            `json:"currency"`
	Metadata  map[string]string `json:"metadata"`
}

// TradeID returns the trade reference attached at checkout.
func (p *Payment) TradeID() string {
	if p.Metadata == nil {
		return ""
	}
	return p.Metadata["tradeId"]
}

// settles reports whether the payment may be applied to tradeID. A payment with no
// trade reference is accepted.
func (p *Payment) settles(tradeID string) bool {
	ref := p.TradeID()
	return ref == "" || ref == tradeID
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// WebhookEvent is the envelope of a provider webhook delivery.
type WebhookEvent struct {
	ID   string  `json:"id"`
	Type string  `json:"type" validate:"required"`
	Data Payment `json:"data"`
}

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// NormalizeOutcome maps provider status and substatus onto a market outcome.
// The provider reports success as status "paid" or substatus "succeeded".
// ok is false while the payment is still in flight.
func NormalizeOutcome(status, substatus string) (outcome market.Outcome, ok bool) {
	status = strings.ToLower(strings.TrimSpace(status))
	substatus = strings.ToLower(strings.TrimSpace(substatus))

	switch {
	case status == "paid" || substatus == "succeeded":
		return market.OutcomeSucceeded, true
	case status == "failed", substatus == "failed", status == "canceled", status == "cancelled":
		return market.OutcomeFailed, true
	default:
		return "", false
	}
}

func amount(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

// isRejection reports whether err is a business decision that redelivery cannot change.
func isRejection(err error) bool {
	switch market.KindOf(err) {
	case market.KindValidation, market.KindNotFound, market.KindInvalidTransition, market.KindForbidden:
		return true
	}
	return false
}
