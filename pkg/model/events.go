package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every event published to NATS.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// Domain events below are emitted in-process after the owning transaction commits.

type TradeMatchedEvent struct {
	Trade      Trade     `json:"trade"`
	Instrument string    `json:"instrument"`
	OccurredAt time.Time `json:"occurredAt"`
}

type TradeStatusChanged struct {
	Trade      Trade       `json:"trade"`
	From       TradeStatus `json:"from"`
	ActorID    string      `json:"actorId"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// PaymentApplied carries a SUCCEEDED or FAILED payment together with the updated trade.
type PaymentApplied struct {
	Trade      Trade     `json:"trade"`
	Payment    Payment   `json:"payment"`
	OccurredAt time.Time `json:"occurredAt"`
}

type PaymentRefundedEvent struct {
	Trade      Trade     `json:"trade"`
	Payment    Payment   `json:"payment"`
	OccurredAt time.Time `json:"occurredAt"`
}

type MarketStatsUpdated struct {
	Instrument Instrument `json:"instrument"`
	OccurredAt time.Time  `json:"occurredAt"`
}

type OrdersExpired struct {
	InstrumentIDs []string  `json:"instrumentIds"`
	Count         int       `json:"count"`
	OccurredAt    time.Time `json:"occurredAt"`
}
