package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlaceOrderRequest is the body of POST /api/v1/bids and /api/v1/asks.
type PlaceOrderRequest struct {
	InstrumentID string          `json:"instrumentId" validate:"required"`
	Price        decimal.Decimal `json:"price"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
}

// TransitionRequest is the body of PATCH /api/v1/trades/:id.
type TransitionRequest struct {
	Status string `json:"status" validate:"required"`
}

// MarkReadRequest is the body of POST /api/v1/notifications/read.
type MarkReadRequest struct {
	NotificationIDs []string `json:"notificationIds" validate:"required,min=1,dive,required"`
}

// InstrumentRequest is the body of PUT /api/v1/instruments/:id.
type InstrumentRequest struct {
	Name string `json:"name" validate:"required"`
	Size string `json:"size"`
}
