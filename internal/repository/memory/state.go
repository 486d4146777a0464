package memory

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/domain"
)

type reservationKey struct {
	order   uuid.UUID
	variant uuid.UUID
}

type redemptionKey struct {
	kind   domain.RedemptionKind
	entity uuid.UUID
	order  uuid.UUID
}

type usageKey struct {
	kind   domain.RedemptionKind
	entity uuid.UUID
	user   uuid.UUID
}

type refundKey struct {
	order uuid.UUID
	key   string
}

// state is the full data set. Values are stored by value (orders are deep
// copied) so a clone is an independent snapshot for transactions.
type state struct {
	orders       map[uuid.UUID]*domain.Order
	variants     map[uuid.UUID]domain.Variant
	products     map[uuid.UUID]domain.Product
	reservations map[reservationKey]domain.StockReservation
	events       []domain.StockEvent
	coupons      map[uuid.UUID]domain.Coupon
	promotions   map[uuid.UUID]domain.Promotion
	redemptions  map[redemptionKey]domain.Redemption
	userUsage    map[usageKey]int64
	refunds      map[refundKey]domain.RefundRequest
	users        map[uuid.UUID]domain.User
	shipping     map[string]domain.ShippingMethod
}

func newState() *state {
	return &state{
		orders:       make(map[uuid.UUID]*domain.Order),
		variants:     make(map[uuid.UUID]domain.Variant),
		products:     make(map[uuid.UUID]domain.Product),
		reservations: make(map[reservationKey]domain.StockReservation),
		coupons:      make(map[uuid.UUID]domain.Coupon),
		promotions:   make(map[uuid.UUID]domain.Promotion),
		redemptions:  make(map[redemptionKey]domain.Redemption),
		userUsage:    make(map[usageKey]int64),
		refunds:      make(map[refundKey]domain.RefundRequest),
		users:        make(map[uuid.UUID]domain.User),
		shipping:     make(map[string]domain.ShippingMethod),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range s.variants {
		c.variants[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	c.events = append([]domain.StockEvent(nil), s.events...)
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.promotions {
		c.promotions[k] = v
	}
	for k, v := range s.redemptions {
		c.redemptions[k] = v
	}
	for k, v := range s.userUsage {
		c.userUsage[k] = v
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.shipping {
		c.shipping[k] = v
	}
	return c
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
