package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// Payment records one provider payment against a trade.
// ProviderPaymentID is globally unique and guards against duplicate application.
type Payment struct {
	ID                string          `json:"id"`
	TradeID           string          `json:"tradeId"`
	ProviderPaymentID string          `json:"providerPaymentId"`
	Amount            decimal.Decimal `json:"amount"`
	PlatformFee       decimal.Decimal `json:"platformFee"`
	Status            PaymentStatus   `json:"status"`
	IdempotencyKey    string          `json:"idempotencyKey"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// IdempotencyKey derives the stored key for a provider payment and outcome.
func IdempotencyKey(status PaymentStatus, providerPaymentID string) string {
	return fmt.Sprintf("payment_%s_%s", strings.ToLower(string(status)), providerPaymentID)
}
