package jobs

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/outbox"
)

// Job topic constants for post-payment side effects
const (
	TopicIssueInvoice    = "invoice.issue"
	TopicRecordSale      = "ranking.record_sale"
	TopicConfirmDiscount = "discount.confirm"
)

// Side-effect payloads (JSON-serializable)

// IssueInvoicePayload asks the invoicing service to issue an invoice for a
// paid order.
type IssueInvoicePayload struct {
	OrderID         uuid.UUID `json:"order_id"`
	UserID          string    `json:"user_id,omitempty"`
	GrandTotalMinor int64     `json:"grand_total_minor"`
	TaxMinor        int64     `json:"tax_minor"`
	Currency        string    `json:"currency"`
	PaidAt          time.Time `json:"paid_at"`
}

// SaleLine is one sold variant.
type SaleLine struct {
	ProductID uuid.UUID `json:"product_id"`
	VariantID uuid.UUID `json:"variant_id"`
	Quantity  int64     `json:"quantity"`
}

// RecordSalePayload feeds sale-count analytics.
type RecordSalePayload struct {
	OrderID uuid.UUID  `json:"order_id"`
	Lines   []SaleLine `json:"lines"`
}

// ConfirmDiscountPayload retries redemption confirmation out of band.
type ConfirmDiscountPayload struct {
	OrderID uuid.UUID `json:"order_id"`
}

// IssueInvoice builds the invoice message. One invoice per order.
func IssueInvoice(payload IssueInvoicePayload) (outbox.Message, error) {
	return newMessage(TopicIssueInvoice, "invoice:"+payload.OrderID.String(), payload)
}

// RecordSale builds the ranking message. One sale record per order.
func RecordSale(payload RecordSalePayload) (outbox.Message, error) {
	return newMessage(TopicRecordSale, "ranking:"+payload.OrderID.String(), payload)
}

// ConfirmDiscount builds the out-of-band redemption confirmation message.
func ConfirmDiscount(payload ConfirmDiscountPayload) (outbox.Message, error) {
	return newMessage(TopicConfirmDiscount, "discount-confirm:"+payload.OrderID.String(), payload)
}
