package jobs

import (
	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/outbox"
)

// Notification topics
const (
	TopicNotifyOrderPaid      = "notification.order_paid"
	TopicNotifyOrderCancelled = "notification.order_cancelled"
	TopicNotifyOrderRefunded  = "notification.order_refunded"
	TopicNotifyPaymentIssue   = "notification.payment_issue"
)

// OrderNotificationPayload is shared by every order notification.
type OrderNotificationPayload struct {
	OrderID     uuid.UUID `json:"order_id"`
	UserID      string    `json:"user_id,omitempty"`
	Status      string    `json:"status"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Reason      string    `json:"reason,omitempty"`
}

// NotifyOrderPaid builds the payment confirmation notification.
func NotifyOrderPaid(payload OrderNotificationPayload) (outbox.Message, error) {
	return newMessage(TopicNotifyOrderPaid, "notify:paid:"+payload.OrderID.String(), payload)
}

// NotifyOrderCancelled builds the cancellation notification.
func NotifyOrderCancelled(payload OrderNotificationPayload) (outbox.Message, error) {
	return newMessage(TopicNotifyOrderCancelled, "notify:cancelled:"+payload.OrderID.String(), payload)
}

// NotifyOrderRefunded builds a refund notification. refundKey is the refund
// request's idempotency key, so each refund notifies once.
func NotifyOrderRefunded(payload OrderNotificationPayload, refundKey string) (outbox.Message, error) {
	return newMessage(TopicNotifyOrderRefunded, "notify:refund:"+payload.OrderID.String()+":"+refundKey, payload)
}

// NotifyPaymentIssue tells operators an order needs manual payment resolution.
func NotifyPaymentIssue(payload OrderNotificationPayload) (outbox.Message, error) {
	return newMessage(TopicNotifyPaymentIssue, "notify:payment-issue:"+payload.OrderID.String(), payload)
}
