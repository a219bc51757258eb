package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side distinguishes the two parallel order books.
type Side string

const (
	SideBid Side = "BID"
	SideAsk Side = "ASK"
)

// Opposite returns the book a new order on this side matches against.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

func (s Side) Valid() bool {
	return s == SideBid || s == SideAsk
}

// ParseSide accepts "bid", "bids", "ask", "asks" in any case.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), "s")) {
	case "BID":
		return SideBid, true
	case "ASK":
		return SideAsk, true
	}
	return "", false
}

type OrderStatus string

const (
	OrderActive   OrderStatus = "ACTIVE"
	OrderMatched  OrderStatus = "MATCHED"
	OrderExpired  OrderStatus = "EXPIRED"
	OrderCanceled OrderStatus = "CANCELED"
)

// Order is a bid or an ask for a single unit of an instrument.
type Order struct {
	ID           string          `json:"id"`
	Side         Side            `json:"side"`
	UserID       string          `json:"userId"`
	InstrumentID string          `json:"instrumentId"`
	Price        decimal.Decimal `json:"price"`
	Status       OrderStatus     `json:"status"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Matchable reports whether the order may take part in a match at now.
// An order past its expiry is unmatchable even before a sweep marks it EXPIRED.
func (o *Order) Matchable(now time.Time) bool {
	if o.Status != OrderActive {
		return false
	}
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}
