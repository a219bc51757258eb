package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeStatus string

const (
	TradeMatched        TradeStatus = "MATCHED"
	TradePaymentPending TradeStatus = "PAYMENT_PENDING"
	TradePaid           TradeStatus = "PAID"
	TradeShipped        TradeStatus = "SHIPPED"
	TradeAuthenticating TradeStatus = "AUTHENTICATING"
	TradeVerified       TradeStatus = "VERIFIED"
	TradeDelivered      TradeStatus = "DELIVERED"
	TradeFailed         TradeStatus = "FAILED"
	TradeRefunded       TradeStatus = "REFUNDED"
)

var tradeStatuses = map[TradeStatus]struct{}{
	TradeMatched: {}, TradePaymentPending: {}, TradePaid: {}, TradeShipped: {},
	TradeAuthenticating: {}, TradeVerified: {}, TradeDelivered: {},
	TradeFailed: {}, TradeRefunded: {},
}

// ParseTradeStatus validates a raw status name.
func ParseTradeStatus(raw string) (TradeStatus, bool) {
	s := TradeStatus(raw)
	_, ok := tradeStatuses[s]
	return s, ok
}

func (s TradeStatus) IsTerminal() bool {
	return s == TradeDelivered || s == TradeRefunded
}

// AwaitingPayment covers the states a payment event may be applied from.
func (s TradeStatus) AwaitingPayment() bool {
	return s == TradeMatched || s == TradePaymentPending
}

// Trade is created by the matching engine when a bid and an ask cross.
type Trade struct {
	ID            string          `json:"id"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	InstrumentID  string          `json:"instrumentId"`
	BidID         string          `json:"bidId"`
	AskID         string          `json:"askId"`
	Price         decimal.Decimal `json:"price"`
	PlatformFee   decimal.Decimal `json:"platformFee"`
	Status        TradeStatus     `json:"status"`
	ChatChannelID string          `json:"chatChannelId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (t *Trade) IsParticipant(userID string) bool {
	return userID != "" && (t.BuyerID == userID || t.SellerID == userID)
}

// PlatformFee computes the fee for a trade price, rounded to cents.
func PlatformFee(price, percent decimal.Decimal) decimal.Decimal {
	return price.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
}
