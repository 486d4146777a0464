package domain

import (
	"time"

	"github.com/google/uuid"
)

// DiscountType is how a coupon or promotion computes its amount.
type DiscountType string

const (
	// DiscountPercent values are basis points (1500 = 15%).
	DiscountPercent DiscountType = "percent"
	// DiscountFixed values are minor units.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeShipping discounts the order's shipping amount.
	DiscountFreeShipping DiscountType = "free_shipping"
)

// StackingPolicy controls whether a promotion combines with others.
type StackingPolicy string

const (
	StackingExclusive        StackingPolicy = "exclusive"
	StackingSamePriorityOnly StackingPolicy = "same_priority_only"
	StackingStackable        StackingPolicy = "stackable"
)

// UsageCaps are the optional global and per-user caps of a discount entity.
type UsageCaps struct {
	MaxUsesTotal   *int64
	MaxUsesPerUser *int64
	UsesTotal      int64
}

// Exhausted reports whether the global cap has been reached.
func (c UsageCaps) Exhausted() bool {
	return c.MaxUsesTotal != nil && c.UsesTotal >= *c.MaxUsesTotal
}

type Coupon struct {
	ID               uuid.UUID
	Code             string
	Type             DiscountType
	Value            int64
	MaxDiscountMinor int64
	MinSubtotalMinor int64
	StartsAt         *time.Time
	EndsAt           *time.Time
	Active           bool
	UsageCaps
}

// ActiveAt reports whether the coupon can be used at t.
func (c *Coupon) ActiveAt(t time.Time) bool {
	return c.Active && inWindow(c.StartsAt, c.EndsAt, t)
}

type Promotion struct {
	ID               uuid.UUID
	Name             string
	Code             string
	Type             DiscountType
	Value            int64
	MaxDiscountMinor int64
	Priority         int
	Stacking         StackingPolicy
	AutoApply        bool
	Active           bool
	StartsAt         *time.Time
	EndsAt           *time.Time
	Targeting        PromotionTargeting
	Cities           []string
	MinSubtotalMinor int64
	Scope            PromotionScope
	CreatedAt        time.Time
	UsageCaps
}

// ActiveAt reports whether the promotion's window contains t.
func (p *Promotion) ActiveAt(t time.Time) bool {
	return p.Active && inWindow(p.StartsAt, p.EndsAt, t)
}

// PromotionTargeting restricts a promotion to users. Empty means everyone.
type PromotionTargeting struct {
	UserIDs  []uuid.UUID
	Roles    []string
	Segments []string
}

// Empty reports whether no targeting rule is set.
func (t PromotionTargeting) Empty() bool {
	return len(t.UserIDs) == 0 && len(t.Roles) == 0 && len(t.Segments) == 0
}

// PromotionScope limits which line items count toward the eligible subtotal.
type PromotionScope struct {
	IncludeProducts   []uuid.UUID
	ExcludeProducts   []uuid.UUID
	IncludeCategories []string
	ExcludeCategories []string
	IncludeBrands     []string
	ExcludeBrands     []string
}

// RedemptionKind distinguishes coupon and promotion redemptions.
type RedemptionKind string

const (
	RedemptionCoupon    RedemptionKind = "coupon"
	RedemptionPromotion RedemptionKind = "promotion"
)

// Redemption is one row per (kind, entity, order).
type Redemption struct {
	Kind        RedemptionKind
	EntityID    uuid.UUID
	OrderID     uuid.UUID
	UserID      uuid.NullUUID
	Status      ReservationStatus
	Quantity    int64
	UserCounted bool
	ReservedAt  time.Time
	ConfirmedAt *time.Time
	ReleasedAt  *time.Time
}

// DiscountEntity is the reservation-facing view of a coupon or promotion.
type DiscountEntity struct {
	Kind RedemptionKind
	ID   uuid.UUID
	Code string
	UsageCaps
}

// Entity returns the reservation view of the coupon.
func (c *Coupon) Entity() DiscountEntity {
	return DiscountEntity{Kind: RedemptionCoupon, ID: c.ID, Code: c.Code, UsageCaps: c.UsageCaps}
}

// Entity returns the reservation view of the promotion.
func (p *Promotion) Entity() DiscountEntity {
	return DiscountEntity{Kind: RedemptionPromotion, ID: p.ID, Code: p.Code, UsageCaps: p.UsageCaps}
}

func inWindow(start, end *time.Time, t time.Time) bool {
	if start != nil && t.Before(*start) {
		return false
	}
	if end != nil && !t.Before(*end) {
		return false
	}
	return true
}
