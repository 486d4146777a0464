package service

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/money"
)

// PromotionContext is the order state promotion eligibility depends on.
type PromotionContext struct {
	Now           time.Time
	User          *domain.User // nil for guests
	City          string
	SubtotalMinor int64
	ShippingMinor int64
	Lines         []PromotionLine

	// UserUsage holds the user's current per-user counter by promotion id.
	UserUsage map[uuid.UUID]int64

	// Applied holds promotions already reserved by this order. Their caps
	// were counted when they were reserved.
	Applied map[uuid.UUID]bool
}

// PromotionLine is a line item joined with its product's catalog facets.
type PromotionLine struct {
	ProductID      uuid.UUID
	CategoryIDs    []string
	BrandID        string
	LineTotalMinor int64
}

// PromotionCandidate is an eligible promotion with its tentative discount.
type PromotionCandidate struct {
	Promotion             *domain.Promotion
	EligibleSubtotalMinor int64
	DiscountMinor         int64
}

// EvaluatePromotion reports whether p applies to pc and its tentative discount.
// A promotion that would discount nothing is not eligible.
func EvaluatePromotion(p *domain.Promotion, pc PromotionContext) (PromotionCandidate, bool) {
	if !p.ActiveAt(pc.Now) {
		return PromotionCandidate{}, false
	}
	if !pc.Applied[p.ID] {
		if p.Exhausted() {
			return PromotionCandidate{}, false
		}
		if p.MaxUsesPerUser != nil && pc.User != nil && pc.UserUsage[p.ID] >= *p.MaxUsesPerUser {
			return PromotionCandidate{}, false
		}
	}
	if !targets(p.Targeting, pc.User) {
		return PromotionCandidate{}, false
	}
	if len(p.Cities) > 0 && !cityAllowed(p.Cities, pc.City) {
		return PromotionCandidate{}, false
	}
	if pc.SubtotalMinor < p.MinSubtotalMinor {
		return PromotionCandidate{}, false
	}

	eligible := eligibleSubtotal(p.Scope, pc.Lines)
	if eligible <= 0 {
		return PromotionCandidate{}, false
	}

	var discount int64
	switch p.Type {
	case domain.DiscountPercent:
		discount = money.PercentOf(eligible, p.Value)
		if p.MaxDiscountMinor > 0 {
			discount = money.Min(discount, p.MaxDiscountMinor)
		}
	case domain.DiscountFixed:
		discount = money.Min(money.NonNegative(p.Value), eligible)
	case domain.DiscountFreeShipping:
		discount = pc.ShippingMinor
	}
	if discount <= 0 {
		return PromotionCandidate{}, false
	}

	return PromotionCandidate{
		Promotion:             p,
		EligibleSubtotalMinor: eligible,
		DiscountMinor:         discount,
	}, true
}

func targets(t domain.PromotionTargeting, u *domain.User) bool {
	if t.Empty() {
		return true
	}
	if u == nil {
		return false
	}
	for _, id := range t.UserIDs {
		if id == u.ID {
			return true
		}
	}
	return u.HasRole(t.Roles) || u.InSegment(t.Segments)
}

func cityAllowed(cities []string, city string) bool {
	city = strings.TrimSpace(city)
	if city == "" {
		return false
	}
	for _, c := range cities {
		if strings.EqualFold(strings.TrimSpace(c), city) {
			return true
		}
	}
	return false
}

// eligibleSubtotal sums the lines inside scope. With no include rule every
// line is included; any exclude rule match removes the line.
func eligibleSubtotal(s domain.PromotionScope, lines []PromotionLine) int64 {
	hasInclude := len(s.IncludeProducts) > 0 || len(s.IncludeCategories) > 0 || len(s.IncludeBrands) > 0

	var total int64
	for _, l := range lines {
		if hasInclude && !matchesScope(l, s.IncludeProducts, s.IncludeCategories, s.IncludeBrands) {
			continue
		}
		if matchesScope(l, s.ExcludeProducts, s.ExcludeCategories, s.ExcludeBrands) {
			continue
		}
		total += l.LineTotalMinor
	}
	return total
}

func matchesScope(l PromotionLine, products []uuid.UUID, categories, brands []string) bool {
	for _, id := range products {
		if id == l.ProductID {
			return true
		}
	}
	for _, c := range categories {
		for _, lc := range l.CategoryIDs {
			if c == lc {
				return true
			}
		}
	}
	for _, b := range brands {
		if l.BrandID != "" && b == l.BrandID {
			return true
		}
	}
	return false
}

// SelectPromotions orders candidates by priority (highest first, then oldest)
// and picks the head. Unless the head is exclusive, compatible candidates are
// added greedily in the same order.
func SelectPromotions(candidates []PromotionCandidate) []PromotionCandidate {
	if len(candidates) == 0 {
		return nil
	}

	sorted := append([]PromotionCandidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Promotion, sorted[j].Promotion
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	head := sorted[0]
	selected := []PromotionCandidate{head}
	if head.Promotion.Stacking == domain.StackingExclusive {
		return selected
	}

	for _, c := range sorted[1:] {
		if compatible(selected, c) {
			selected = append(selected, c)
		}
	}
	return selected
}

func compatible(selected []PromotionCandidate, c PromotionCandidate) bool {
	p := c.Promotion
	if p.Stacking == domain.StackingExclusive {
		return false
	}
	for _, s := range selected {
		sp := s.Promotion
		if p.Type == domain.DiscountFreeShipping && sp.Type == domain.DiscountFreeShipping {
			return false
		}
		if p.Priority != sp.Priority &&
			(p.Stacking == domain.StackingSamePriorityOnly || sp.Stacking == domain.StackingSamePriorityOnly) {
			return false
		}
	}
	return true
}

// CapPromotions truncates discounts in selection order so their sum does not
// exceed headroom. Promotions truncated to zero are dropped.
func CapPromotions(selected []PromotionCandidate, headroom int64) []PromotionCandidate {
	remaining := money.NonNegative(headroom)
	out := make([]PromotionCandidate, 0, len(selected))
	for _, c := range selected {
		if remaining <= 0 {
			break
		}
		c.DiscountMinor = money.Min(c.DiscountMinor, remaining)
		remaining -= c.DiscountMinor
		out = append(out, c)
	}
	return out
}

// promotionSnapshot freezes a capped candidate onto the order.
func promotionSnapshot(c PromotionCandidate) domain.PromotionSnapshot {
	p := c.Promotion
	return domain.PromotionSnapshot{
		PromotionID:   p.ID,
		Name:          p.Name,
		Code:          p.Code,
		Type:          p.Type,
		DiscountMinor: c.DiscountMinor,
		Priority:      p.Priority,
		Stacking:      p.Stacking,
	}
}

// CouponDiscount computes the discount a coupon grants on subtotal, or false
// when the coupon does not apply.
func CouponDiscount(c *domain.Coupon, subtotal int64, now time.Time) (int64, bool) {
	if !c.ActiveAt(now) || subtotal < c.MinSubtotalMinor {
		return 0, false
	}

	var discount int64
	switch c.Type {
	case domain.DiscountPercent:
		discount = money.PercentOf(subtotal, c.Value)
	case domain.DiscountFixed:
		discount = money.NonNegative(c.Value)
	default:
		return 0, false
	}
	if c.MaxDiscountMinor > 0 {
		discount = money.Min(discount, c.MaxDiscountMinor)
	}
	return money.Min(discount, subtotal), true
}
