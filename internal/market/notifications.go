package market

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Checker-Finance/marketcore/internal/store"
	"github.com/Checker-Finance/marketcore/pkg/model"
)

func newNotification(userID string, typ model.NotificationType, title, msg string, trade *model.Trade, now time.Time) model.Notification {
	return model.Notification{
		ID:      uuid.NewString(),
		UserID:  userID,
		Type:    typ,
		Title:   title,
		Message: msg,
		Metadata: map[string]string{
			"tradeId":      trade.ID,
			"instrumentId": trade.InstrumentID,
		},
		CreatedAt: now,
	}
}

func matchNotifications(trade *model.Trade, bid, ask *model.Order, now time.Time) []model.Notification {
	return []model.Notification{
		newNotification(trade.BuyerID, model.NotifyBidMatched, "Bid matched!",
			"Your bid of "+formatUSD(bid.Price)+" was matched at "+formatUSD(trade.Price)+".", trade, now),
		newNotification(trade.SellerID, model.NotifyAskMatched, "Ask matched!",
			"Your ask of "+formatUSD(ask.Price)+" was matched. Prepare to ship your item.", trade, now),
	}
}

type lifecycleCopy struct {
	typ    model.NotificationType
	buyer  string
	seller string
}

func lifecycleCopyFor(target model.TradeStatus, item string) (lifecycleCopy, bool) {
	switch target {
	case model.TradeShipped:
		return lifecycleCopy{model.NotifyItemShipped,
			"Your order for " + item + " has been shipped.",
			"Shipment confirmed for " + item + "."}, true
	case model.TradeAuthenticating:
		return lifecycleCopy{model.NotifyItemAuthenticating,
			"Your " + item + " has arrived and is being authenticated.",
			"Your item " + item + " has arrived for authentication."}, true
	case model.TradeVerified:
		return lifecycleCopy{model.NotifyItemVerified,
			"Your " + item + " has been verified authentic!",
			"Your item " + item + " passed authentication. Payout incoming."}, true
	case model.TradeFailed:
		return lifecycleCopy{model.NotifyItemFailed,
			"Authentication failed for " + item + ". You will be refunded.",
			"Your item " + item + " failed authentication."}, true
	case model.TradeDelivered:
		return lifecycleCopy{model.NotifyTradeCompleted,
			"Your " + item + " has been delivered!",
			"Trade complete for " + item + "."}, true
	}
	return lifecycleCopy{}, false
}

func lifecycleTitle(target model.TradeStatus) string {
	return "Order " + strings.ReplaceAll(strings.ToLower(string(target)), "_", " ")
}

func lifecycleNotifications(trade *model.Trade, target model.TradeStatus, item string, now time.Time) []model.Notification {
	c, ok := lifecycleCopyFor(target, item)
	if !ok {
		return nil
	}
	title := lifecycleTitle(target)
	return []model.Notification{
		newNotification(trade.BuyerID, c.typ, title, c.buyer, trade, now),
		newNotification(trade.SellerID, c.typ, title, c.seller, trade, now),
	}
}

func paymentSuccessNotifications(trade *model.Trade, amount string, now time.Time) []model.Notification {
	return []model.Notification{
		newNotification(trade.BuyerID, model.NotifyPaymentConfirmed, "Payment confirmed",
			"Your payment of "+amount+" has been confirmed.", trade, now),
		newNotification(trade.SellerID, model.NotifyPaymentConfirmed, "New sale - ship your item",
			"A buyer has paid "+amount+". Please ship your item for authentication.", trade, now),
	}
}

func paymentFailureNotifications(trade *model.Trade, now time.Time) []model.Notification {
	return []model.Notification{
		newNotification(trade.BuyerID, model.NotifyPaymentFailed, "Payment failed",
			"Your payment could not be processed. Your bid has been reopened.", trade, now),
	}
}

func refundNotifications(trade *model.Trade, amount, item string, now time.Time) []model.Notification {
	return []model.Notification{
		newNotification(trade.BuyerID, model.NotifyRefundProcessed, "Refund processed",
			"Your payment of "+amount+" for "+item+" has been refunded.", trade, now),
		newNotification(trade.SellerID, model.NotifyAskRelisted, "Item relisted",
			"Your ask for "+item+" has been relisted at "+formatUSD(trade.Price)+".", trade, now),
	}
}

// NotificationPage is one page of a user's notifications plus their unread count.
type NotificationPage struct {
	Items  []model.Notification `json:"notifications"`
	Total  int                  `json:"total"`
	Unread int                  `json:"unreadCount"`
	Page   Page                 `json:"-"`
}

func (s *Service) ListNotifications(ctx context.Context, userID string, unreadOnly bool, page Page) (*NotificationPage, error) {
	if userID == "" {
		return nil, validationf("user id is required")
	}
	page = page.normalize()
	items, total, err := s.store.ListNotifications(ctx, store.NotificationFilter{
		UserID:     userID,
		UnreadOnly: unreadOnly,
		Limit:      page.Size,
		Offset:     page.offset(),
	})
	if err != nil {
		return nil, err
	}
	unread, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Notification{}
	}
	return &NotificationPage{Items: items, Total: total, Unread: unread, Page: page}, nil
}

// MarkNotificationsRead flags the caller's notifications; ids owned by others are ignored.
func (s *Service) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error) {
	if userID == "" {
		return 0, validationf("user id is required")
	}
	if len(ids) == 0 {
		return 0, validationf("notification ids are required")
	}
	return s.store.MarkNotificationsRead(ctx, userID, ids)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, validationf("user id is required")
	}
	return s.store.MarkNotificationsRead(ctx, userID, nil)
}
