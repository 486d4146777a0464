package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusDraft              OrderStatus = "draft"
	OrderStatusPendingPayment     OrderStatus = "pending_payment"
	OrderStatusPendingCOD         OrderStatus = "pending_cod"
	OrderStatusCODPendingApproval OrderStatus = "cod_pending_approval"
	OrderStatusPaid               OrderStatus = "paid"
	OrderStatusPaymentReceived    OrderStatus = "payment_received"
	OrderStatusConfirmed          OrderStatus = "confirmed"
	OrderStatusStockConfirmed     OrderStatus = "stock_confirmed"
	OrderStatusShipped            OrderStatus = "shipped"
	OrderStatusDelivered          OrderStatus = "delivered"
	OrderStatusCancelled          OrderStatus = "cancelled"
	OrderStatusRefundPending      OrderStatus = "refund_pending"
	OrderStatusPartiallyRefunded  OrderStatus = "partially_refunded"
	OrderStatusRefunded           OrderStatus = "refunded"
	OrderStatusReturnRequested    OrderStatus = "return_requested"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:              {OrderStatusPendingPayment, OrderStatusCancelled},
	OrderStatusPendingPayment:     {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPendingCOD:         {OrderStatusCODPendingApproval, OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusCODPendingApproval: {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusPaid: {
		OrderStatusPaymentReceived, OrderStatusConfirmed, OrderStatusStockConfirmed,
		OrderStatusShipped, OrderStatusRefundPending, OrderStatusCancelled,
	},
	OrderStatusPaymentReceived: {
		OrderStatusConfirmed, OrderStatusStockConfirmed, OrderStatusShipped,
		OrderStatusRefundPending, OrderStatusCancelled,
	},
	OrderStatusConfirmed:         {OrderStatusStockConfirmed, OrderStatusShipped, OrderStatusCancelled, OrderStatusRefundPending},
	OrderStatusStockConfirmed:    {OrderStatusShipped, OrderStatusCancelled, OrderStatusRefundPending},
	OrderStatusShipped:           {OrderStatusDelivered, OrderStatusReturnRequested},
	OrderStatusDelivered:         {OrderStatusReturnRequested, OrderStatusRefundPending},
	OrderStatusReturnRequested:   {OrderStatusRefundPending, OrderStatusPartiallyRefunded, OrderStatusRefunded},
	OrderStatusRefundPending:     {OrderStatusPartiallyRefunded, OrderStatusRefunded},
	OrderStatusPartiallyRefunded: {OrderStatusRefunded},
	OrderStatusRefunded:          {},
	OrderStatusCancelled:         {},
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from s in one step.
func AllowedTransitions(s OrderStatus) []OrderStatus {
	next := orderTransitions[s]
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusRefunded || s == OrderStatusCancelled
}

// IsEditable reports whether items-derived money fields may still be recomputed.
func (s OrderStatus) IsEditable() bool {
	return s == OrderStatusDraft || s == OrderStatusPendingPayment
}

// IsRefundable reports whether a refund path exists from s.
func (s OrderStatus) IsRefundable() bool {
	switch s {
	case OrderStatusPaid, OrderStatusPaymentReceived, OrderStatusConfirmed,
		OrderStatusStockConfirmed, OrderStatusDelivered, OrderStatusReturnRequested,
		OrderStatusRefundPending, OrderStatusPartiallyRefunded:
		return true
	}
	return false
}

// StockStatus tracks the order's aggregate reservation state.
type StockStatus string

const (
	StockStatusNone          StockStatus = "none"
	StockStatusReserved      StockStatus = "reserved"
	StockStatusConfirmed     StockStatus = "confirmed"
	StockStatusReleased      StockStatus = "released"
	StockStatusConfirmFailed StockStatus = "confirm_failed"
)

// PaymentStatus tracks the gateway side of the order.
type PaymentStatus string

const (
	PaymentStatusNone     PaymentStatus = "none"
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusCaptured PaymentStatus = "captured"
	PaymentStatusMismatch PaymentStatus = "mismatch"
)

// Order is the aggregate root of the fulfillment engine.
type Order struct {
	ID              uuid.UUID
	UserID          uuid.NullUUID
	Status          OrderStatus
	Items           []LineItem
	Pricing         Pricing
	Coupon          *CouponSnapshot
	Promotions      []PromotionSnapshot
	PromotionCode   string
	ShippingMethod  *ShippingMethodSnapshot
	ShippingAddress *Address
	BillingAddress  *Address
	Stock           StockBlock
	Payment         PaymentBlock
	Cancel          *CancelBlock
	Refund          RefundBlock
	StatusHistory   []StatusChange
	ExpiresAt       *time.Time
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Version increments on every persisted write.
	Version int64
}

// LineItem is an immutable snapshot taken at order creation.
type LineItem struct {
	VariantID      uuid.UUID
	ProductID      uuid.UUID
	Name           string
	UnitPriceMinor int64
	Quantity       int64
	LineTotalMinor int64
}

// Pricing holds every money field derived by repricing.
type Pricing struct {
	SubtotalMinor      int64
	DiscountTotalMinor int64
	Discounts          DiscountBreakdown
	ShippingMinor      int64
	TaxMinor           int64
	Tax                TaxSnapshot
	GrandTotalMinor    int64
	Currency           string
	RepricedAt         time.Time
}

type DiscountBreakdown struct {
	CouponMinor     int64
	PromotionsMinor int64
}

// TaxSnapshot records the inputs used to compute TaxMinor.
type TaxSnapshot struct {
	Rate         string
	BasisMinor   int64
	Jurisdiction string
	Country      string
	City         string
}

type CouponSnapshot struct {
	CouponID      uuid.UUID
	Code          string
	Type          DiscountType
	Value         int64
	DiscountMinor int64
	Reserved      bool
}

type PromotionSnapshot struct {
	PromotionID   uuid.UUID
	Name          string
	Code          string
	Type          DiscountType
	DiscountMinor int64
	Priority      int
	Stacking      StackingPolicy
}

type ShippingMethodSnapshot struct {
	Code       string
	Name       string
	PriceMinor int64
}

type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

type StockBlock struct {
	Status      StockStatus
	ReservedAt  *time.Time
	ConfirmedAt *time.Time
	ReleasedAt  *time.Time
	Attempts    int
	LastError   string
}

type PaymentBlock struct {
	Provider string

	// CheckoutAttempt scopes the gateway idempotency key. It changes only
	// when a session is discarded, so a retried checkout reuses the session.
	CheckoutAttempt string

	SessionID        string
	SessionURL       string
	SessionAmount    int64
	SessionCurrency  string
	PaymentReference string
	CapturedMinor    int64
	CapturedCurrency string
	Status           PaymentStatus
	LastError        string
}

type CancelBlock struct {
	At     time.Time
	Actor  string
	Reason string
}

type RefundBlock struct {
	Status              string
	AmountRefundedMinor int64
	LastGatewayRefundID string

	// RestockedUnits counts units returned to stock by refunds, by variant.
	RestockedUnits map[uuid.UUID]int64
}

// StatusChange is one entry of the append-only status history.
type StatusChange struct {
	From     OrderStatus
	To       OrderStatus
	At       time.Time
	Actor    string
	Reason   string
	Metadata map[string]string
}

// UserIDString returns the owning user id or "" for guests.
func (o *Order) UserIDString() string {
	if !o.UserID.Valid {
		return ""
	}
	return o.UserID.UUID.String()
}

// ItemCount returns the total number of units across line items.
func (o *Order) ItemCount() int64 {
	var n int64
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// RefundableTotal is the amount refunds are measured against.
func (o *Order) RefundableTotal() int64 {
	if o.Payment.CapturedMinor > 0 {
		return o.Payment.CapturedMinor
	}
	return o.Pricing.GrandTotalMinor
}

// Clone returns a deep copy of o.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	c.Promotions = append([]PromotionSnapshot(nil), o.Promotions...)
	if o.Coupon != nil {
		v := *o.Coupon
		c.Coupon = &v
	}
	if o.ShippingMethod != nil {
		v := *o.ShippingMethod
		c.ShippingMethod = &v
	}
	if o.ShippingAddress != nil {
		v := *o.ShippingAddress
		c.ShippingAddress = &v
	}
	if o.BillingAddress != nil {
		v := *o.BillingAddress
		c.BillingAddress = &v
	}
	if o.Cancel != nil {
		v := *o.Cancel
		c.Cancel = &v
	}
	c.Stock = o.Stock
	c.Stock.ReservedAt = cloneTime(o.Stock.ReservedAt)
	c.Stock.ConfirmedAt = cloneTime(o.Stock.ConfirmedAt)
	c.Stock.ReleasedAt = cloneTime(o.Stock.ReleasedAt)
	c.ExpiresAt = cloneTime(o.ExpiresAt)
	c.PaidAt = cloneTime(o.PaidAt)
	if o.Refund.RestockedUnits != nil {
		c.Refund.RestockedUnits = make(map[uuid.UUID]int64, len(o.Refund.RestockedUnits))
		for k, v := range o.Refund.RestockedUnits {
			c.Refund.RestockedUnits[k] = v
		}
	}
	c.StatusHistory = make([]StatusChange, len(o.StatusHistory))
	for i, h := range o.StatusHistory {
		c.StatusHistory[i] = h
		if h.Metadata != nil {
			m := make(map[string]string, len(h.Metadata))
			for k, v := range h.Metadata {
				m[k] = v
			}
			c.StatusHistory[i].Metadata = m
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
