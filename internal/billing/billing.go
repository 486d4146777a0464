package billing

import (
	"context"
	"time"
)

// Gateway defines the payment operations the order engine needs.
// Implementations can use Stripe or a test double.
type Gateway interface {
	// CreateCheckoutSession creates a hosted payment session for an order.
	// IdempotencyKey is forwarded so a retried call returns the same session.
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)

	// ExpireSession closes an open session so it can no longer be paid.
	// Expiring an unknown session is not an error.
	ExpireSession(ctx context.Context, sessionID string) error

	// CreateRefund refunds part or all of a captured payment.
	// IdempotencyKey is forwarded so a retried call refunds only once.
	CreateRefund(ctx context.Context, params RefundParams) (*Refund, error)

	// ParseWebhookEvent verifies the signature and decodes a payment event.
	// Returns ErrInvalidWebhookSignature when verification fails.
	ParseWebhookEvent(payload []byte, signature string) (*PaymentEvent, error)
}

// CheckoutSessionParams contains parameters for creating a checkout session.
type CheckoutSessionParams struct {
	// OrderID is sent as the client reference and in metadata.
	OrderID string

	// LineItems must sum exactly to the amount charged.
	LineItems []LineItem

	// Currency code (ISO 4217), e.g. "usd"
	Currency string

	SuccessURL string
	CancelURL  string

	// ExpiresAt closes the session at the gateway. Zero uses the gateway default.
	ExpiresAt time.Time

	// Metadata is copied onto the session and its payment.
	Metadata map[string]string

	IdempotencyKey string
}

// LineItem is one priced line shown on the hosted page.
type LineItem struct {
	Name            string
	UnitAmountMinor int64
	Quantity        int64
}

// Total returns UnitAmountMinor * Quantity.
func (li LineItem) Total() int64 {
	return li.UnitAmountMinor * li.Quantity
}

// CheckoutSession represents a hosted payment session.
type CheckoutSession struct {
	ID          string
	URL         string
	AmountTotal int64
	Currency    string
}

// RefundParams contains parameters for creating a refund.
type RefundParams struct {
	// PaymentReference is the gateway payment id captured at finalization.
	PaymentReference string

	AmountMinor int64

	// Reason: "duplicate", "fraudulent" or "requested_by_customer"
	Reason string

	Metadata       map[string]string
	IdempotencyKey string
}

// Refund represents a payment refund.
type Refund struct {
	ID          string
	AmountMinor int64
	Status      string // succeeded, pending, failed
}

// Payment event types the engine reacts to.
const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventAsyncPaymentSucceeded  = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed     = "checkout.session.async_payment_failed"
	EventCheckoutSessionExpired = "checkout.session.expired"
)

// PaymentEvent is a verified webhook event about a checkout session.
type PaymentEvent struct {
	// ID is the gateway event id, used for dedupe.
	ID   string
	Type string

	SessionID        string
	OrderID          string
	PaymentReference string
	AmountMinor      int64
	Currency         string

	// Paid is true once funds are captured.
	Paid bool

	Metadata map[string]string
}

// IsPaymentSuccess reports whether the event finalizes a payment.
func (e *PaymentEvent) IsPaymentSuccess() bool {
	switch e.Type {
	case EventCheckoutCompleted, EventAsyncPaymentSucceeded:
		return e.Paid
	}
	return false
}
