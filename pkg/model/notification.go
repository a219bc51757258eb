package model

import "time"

type NotificationType string

const (
	NotifyBidMatched         NotificationType = "BID_MATCHED"
	NotifyAskMatched         NotificationType = "ASK_MATCHED"
	NotifyPaymentConfirmed   NotificationType = "PAYMENT_CONFIRMED"
	NotifyPaymentFailed      NotificationType = "PAYMENT_FAILED"
	NotifyItemShipped        NotificationType = "ITEM_SHIPPED"
	NotifyItemAuthenticating NotificationType = "ITEM_AUTHENTICATING"
	NotifyItemVerified       NotificationType = "ITEM_VERIFIED"
	NotifyItemFailed         NotificationType = "ITEM_FAILED"
	NotifyTradeCompleted     NotificationType = "TRADE_COMPLETED"
	NotifyRefundProcessed    NotificationType = "REFUND_PROCESSED"
	NotifyAskRelisted        NotificationType = "ASK_RELISTED"
)

// Notification is an append-only message to one user. Read is the only mutable field.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"createdAt"`
}
