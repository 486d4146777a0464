package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/dukerupert/ordercore/internal/domain"
)

var promoNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func promo(mod func(*domain.Promotion)) *domain.Promotion {
	p := &domain.Promotion{
		ID:        uuid.New(),
		Name:      "promo",
		Type:      domain.DiscountFixed,
		Value:     500,
		Stacking:  domain.StackingStackable,
		AutoApply: true,
		Active:    true,
		CreatedAt: promoNow.Add(-time.Hour),
	}
	if mod != nil {
		mod(p)
	}
	return p
}

func promoContext(subtotal int64) PromotionContext {
	return PromotionContext{
		Now:           promoNow,
		SubtotalMinor: subtotal,
		ShippingMinor: 300,
		Lines: []PromotionLine{
			{ProductID: uuid.New(), CategoryIDs: []string{"coffee"}, LineTotalMinor: subtotal},
		},
	}
}

func TestEvaluatePromotion(t *testing.T) {
	user := &domain.User{ID: uuid.New(), Roles: []string{"wholesale"}}

	tests := []struct {
		name         string
		promo        *domain.Promotion
		ctx          func() PromotionContext
		wantOK       bool
		wantDiscount int64
	}{
		{
			name:         "fixed discount",
			promo:        promo(nil),
			ctx:          func() PromotionContext { return promoContext(3000) },
			wantOK:       true,
			wantDiscount: 500,
		},
		{
			name: "percent discount in basis points with max",
			promo: promo(func(p *domain.Promotion) {
				p.Type = domain.DiscountPercent
				p.Value = 2000
				p.MaxDiscountMinor = 400
			}),
			ctx:          func() PromotionContext { return promoContext(3000) },
			wantOK:       true,
			wantDiscount: 400,
		},
		{
			name:         "free shipping discounts shipping",
			promo:        promo(func(p *domain.Promotion) { p.Type = domain.DiscountFreeShipping }),
			ctx:          func() PromotionContext { return promoContext(3000) },
			wantOK:       true,
			wantDiscount: 300,
		},
		{
			name:  "not started",
			promo: promo(func(p *domain.Promotion) { p.StartsAt = ptr(promoNow.Add(time.Hour)) }),
			ctx:   func() PromotionContext { return promoContext(3000) },
		},
		{
			name:  "below minimum subtotal",
			promo: promo(func(p *domain.Promotion) { p.MinSubtotalMinor = 5000 }),
			ctx:   func() PromotionContext { return promoContext(3000) },
		},
		{
			name:  "exhausted",
			promo: promo(func(p *domain.Promotion) { p.MaxUsesTotal = ptr(int64(2)); p.UsesTotal = 2 }),
			ctx:   func() PromotionContext { return promoContext(3000) },
		},
		{
			name:  "exhausted and not applied to this order",
			promo: promo(func(p *domain.Promotion) { p.MaxUsesTotal = ptr(int64(2)); p.UsesTotal = 2 }),
			ctx: func() PromotionContext {
				pc := promoContext(3000)
				pc.Applied = map[uuid.UUID]bool{}
				return pc
			},
		},
		{
			name:  "targeted role matches",
			promo: promo(func(p *domain.Promotion) { p.Targeting.Roles = []string{"wholesale"} }),
			ctx: func() PromotionContext {
				pc := promoContext(3000)
				pc.User = user
				return pc
			},
			wantOK:       true,
			wantDiscount: 500,
		},
		{
			name:  "targeted promotion skips guests",
			promo: promo(func(p *domain.Promotion) { p.Targeting.Roles = []string{"wholesale"} }),
			ctx:   func() PromotionContext { return promoContext(3000) },
		},
		{
			name:  "city restriction",
			promo: promo(func(p *domain.Promotion) { p.Cities = []string{"Helena"} }),
			ctx: func() PromotionContext {
				pc := promoContext(3000)
				pc.City = "Billings"
				return pc
			},
		},
		{
			name:  "scope excludes every line",
			promo: promo(func(p *domain.Promotion) { p.Scope.IncludeCategories = []string{"tea"} }),
			ctx:   func() PromotionContext { return promoContext(3000) },
		},
		{
			name:  "free shipping without shipping is ineligible",
			promo: promo(func(p *domain.Promotion) { p.Type = domain.DiscountFreeShipping }),
			ctx: func() PromotionContext {
				pc := promoContext(3000)
				pc.ShippingMinor = 0
				return pc
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := EvaluatePromotion(tt.promo, tt.ctx())
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantDiscount, c.DiscountMinor)
			}
		})
	}

	t.Run("applied promotion ignores its cap", func(t *testing.T) {
		p := promo(func(p *domain.Promotion) { p.MaxUsesTotal = ptr(int64(2)); p.UsesTotal = 2 })
		pc := promoContext(3000)
		pc.Applied = map[uuid.UUID]bool{p.ID: true}
		_, ok := EvaluatePromotion(p, pc)
		assert.True(t, ok)
	})
}

func candidate(p *domain.Promotion, discount int64) PromotionCandidate {
	return PromotionCandidate{Promotion: p, DiscountMinor: discount}
}

func TestSelectPromotions(t *testing.T) {
	high := promo(func(p *domain.Promotion) { p.Priority = 10 })
	low := promo(func(p *domain.Promotion) { p.Priority = 1 })
	exclusive := promo(func(p *domain.Promotion) { p.Priority = 20; p.Stacking = domain.StackingExclusive })
	samePrio := promo(func(p *domain.Promotion) { p.Priority = 1; p.Stacking = domain.StackingSamePriorityOnly })
	ship1 := promo(func(p *domain.Promotion) { p.Priority = 5; p.Type = domain.DiscountFreeShipping })
	ship2 := promo(func(p *domain.Promotion) { p.Priority = 4; p.Type = domain.DiscountFreeShipping })

	older := promo(func(p *domain.Promotion) { p.Priority = 3; p.CreatedAt = promoNow.Add(-48 * time.Hour) })
	newer := promo(func(p *domain.Promotion) { p.Priority = 3; p.Stacking = domain.StackingExclusive })

	tests := []struct {
		name       string
		candidates []PromotionCandidate
		want       []*domain.Promotion
	}{
		{name: "empty", candidates: nil, want: nil},
		{
			name:       "stackable by priority",
			candidates: []PromotionCandidate{candidate(low, 100), candidate(high, 100)},
			want:       []*domain.Promotion{high, low},
		},
		{
			name:       "exclusive head wins alone",
			candidates: []PromotionCandidate{candidate(high, 100), candidate(exclusive, 100)},
			want:       []*domain.Promotion{exclusive},
		},
		{
			name:       "same priority only skips other priorities",
			candidates: []PromotionCandidate{candidate(high, 100), candidate(samePrio, 100)},
			want:       []*domain.Promotion{high},
		},
		{
			name:       "one free shipping promotion",
			candidates: []PromotionCandidate{candidate(ship2, 300), candidate(ship1, 300)},
			want:       []*domain.Promotion{ship1},
		},
		{
			name:       "ties break by creation time",
			candidates: []PromotionCandidate{candidate(newer, 100), candidate(older, 100)},
			want:       []*domain.Promotion{older},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectPromotions(tt.candidates)
			var ids []*domain.Promotion
			for _, c := range got {
				ids = append(ids, c.Promotion)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestCapPromotions(t *testing.T) {
	a, b, c := promo(nil), promo(nil), promo(nil)
	selected := []PromotionCandidate{candidate(a, 600), candidate(b, 500), candidate(c, 400)}

	got := CapPromotions(selected, 800)

	assert.Len(t, got, 2, "the third promotion truncates to zero and is dropped")
	assert.Equal(t, int64(600), got[0].DiscountMinor)
	assert.Equal(t, int64(200), got[1].DiscountMinor)
	assert.Equal(t, int64(500), selected[1].DiscountMinor, "input is not modified")

	assert.Empty(t, CapPromotions(selected, 0))
	assert.Empty(t, CapPromotions(selected, -50))
}

func TestCouponDiscount(t *testing.T) {
	tests := []struct {
		name     string
		coupon   domain.Coupon
		subtotal int64
		want     int64
		wantOK   bool
	}{
		{name: "fixed", coupon: domain.Coupon{Type: domain.DiscountFixed, Value: 500, Active: true}, subtotal: 3500, want: 500, wantOK: true},
		{name: "fixed capped at subtotal", coupon: domain.Coupon{Type: domain.DiscountFixed, Value: 5000, Active: true}, subtotal: 3500, want: 3500, wantOK: true},
		{name: "percent", coupon: domain.Coupon{Type: domain.DiscountPercent, Value: 1000, Active: true}, subtotal: 3500, want: 350, wantOK: true},
		{name: "percent with max", coupon: domain.Coupon{Type: domain.DiscountPercent, Value: 5000, MaxDiscountMinor: 1000, Active: true}, subtotal: 3500, want: 1000, wantOK: true},
		{name: "inactive", coupon: domain.Coupon{Type: domain.DiscountFixed, Value: 500}, subtotal: 3500},
		{name: "below minimum", coupon: domain.Coupon{Type: domain.DiscountFixed, Value: 500, MinSubtotalMinor: 4000, Active: true}, subtotal: 3500},
		{name: "expired", coupon: domain.Coupon{Type: domain.DiscountFixed, Value: 500, Active: true, EndsAt: ptr(promoNow)}, subtotal: 3500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CouponDiscount(&tt.coupon, tt.subtotal, promoNow)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
