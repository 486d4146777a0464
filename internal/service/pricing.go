package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/money"
	"github.com/dukerupert/ordercore/internal/repository"
	"github.com/dukerupert/ordercore/internal/tax"
	"github.com/dukerupert/ordercore/internal/telemetry"
)

// PricingService is the single source of truth for an order's money fields.
type PricingService interface {
	// Reprice recomputes and persists the order's pricing in one transaction.
	Reprice(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)

	// RepriceTx reprices order inside the caller's session and persists it
	// with a status and version precondition. order is updated in place.
	RepriceTx(ctx context.Context, q repository.Querier, order *domain.Order) error

	// Quote computes pricing without reserving discounts or persisting.
	Quote(ctx context.Context, orderID uuid.UUID) (*PriceQuote, error)
}

// PriceQuote is the result of a dry-run reprice.
type PriceQuote struct {
	Pricing    domain.Pricing
	Promotions []domain.PromotionSnapshot
}

type pricingService struct {
	store     repository.Store
	discounts DiscountReservations
	taxCalc   tax.Calculator
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPricingService creates a PricingService.
func NewPricingService(
	store repository.Store,
	discounts DiscountReservations,
	taxCalc tax.Calculator,
	logger zerolog.Logger,
	now func() time.Time,
) (PricingService, error) {
	if store == nil || discounts == nil {
		return nil, errors.New("pricing: store and discount reservations are required")
	}
	if taxCalc == nil {
		taxCalc = tax.NewNoTaxCalculator()
	}
	if now == nil {
		now = time.Now
	}
	return &pricingService{
		store:     store,
		discounts: discounts,
		taxCalc:   taxCalc,
		logger:    logger.With().Str("component", "pricing").Logger(),
		now:       now,
	}, nil
}

func (s *pricingService) Reprice(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	ctx, span := telemetry.StartSpan(ctx, "pricing.Reprice", attribute.String("order_id", orderID.String()))

	var order *domain.Order
	err := s.store.WithinTx(ctx, func(q repository.Querier) error {
		o, err := loadOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		if err := s.RepriceTx(ctx, q, o); err != nil {
			return err
		}
		order = o
		return nil
	})

	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *pricingService) RepriceTx(ctx context.Context, q repository.Querier, order *domain.Order) error {
	const op = "pricing.reprice"

	err := q.WithinTx(ctx, func(q repository.Querier) error {
		if !order.Status.IsEditable() {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotEditable, order.ID, order.Status)
		}

		// A promotion whose last slot was taken concurrently is dropped and
		// the order is priced again without it.
		var (
			res     *pricingResult
			dropped map[uuid.UUID]bool
		)
		for {
			var err error
			res, err = s.compute(ctx, q, order, dropped)
			if err != nil {
				return err
			}
			var lost uuid.UUID
			err = q.WithinTx(ctx, func(q repository.Querier) error {
				lost, err = s.syncPromotions(ctx, q, order, res.promotions)
				return err
			})
			if lost == uuid.Nil {
				if err != nil {
					return err
				}
				break
			}
			if dropped == nil {
				dropped = make(map[uuid.UUID]bool)
			}
			dropped[lost] = true
			s.logger.Info().
				Str("order_id", order.ID.String()).
				Str("promotion_id", lost.String()).
				Msg("promotion usage limit reached, repricing without it")
		}

		order.Pricing = res.pricing
		order.Promotions = res.promotions
		order.UpdatedAt = res.pricing.RepricedAt

		ok, err := q.UpdateOrder(ctx, order, repository.OrderCondition{
			Status:  order.Status,
			Version: order.Version,
		})
		if err != nil {
			return domain.Internal(err, op, "failed to save order pricing")
		}
		if !ok {
			recordConflict(op)
			return fmt.Errorf("%w: order %s", ErrOrderStatusConflict, order.ID)
		}
		return nil
	})

	if telemetry.Business != nil {
		result := "ok"
		if err != nil {
			result = domain.ErrorCode(err)
		}
		telemetry.Business.RepricesTotal.WithLabelValues(result).Inc()
	}
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("order_id", order.ID.String()).
		Int64("subtotal", order.Pricing.SubtotalMinor).
		Int64("discount", order.Pricing.DiscountTotalMinor).
		Int64("grand_total", order.Pricing.GrandTotalMinor).
		Int("promotions", len(order.Promotions)).
		Msg("order repriced")
	return nil
}

func (s *pricingService) Quote(ctx context.Context, orderID uuid.UUID) (*PriceQuote, error) {
	order, err := loadOrder(ctx, s.store, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.IsEditable() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotEditable, order.ID, order.Status)
	}

	res, err := s.compute(ctx, s.store, order, nil)
	if err != nil {
		return nil, err
	}
	return &PriceQuote{Pricing: res.pricing, Promotions: res.promotions}, nil
}

type pricingResult struct {
	pricing    domain.Pricing
	promotions []domain.PromotionSnapshot
}

// compute runs the pricing steps without side effects. Promotions in skip
// are not considered.
func (s *pricingService) compute(ctx context.Context, q repository.Querier, order *domain.Order, skip map[uuid.UUID]bool) (*pricingResult, error) {
	const op = "pricing.compute"
	now := s.now()

	// 1. Subtotal from validated line-item snapshots.
	subtotal, err := subtotalOf(order.Items)
	if err != nil {
		return nil, err
	}

	// 2. Coupon snapshot, capped at subtotal.
	var couponDiscount int64
	if order.Coupon != nil {
		couponDiscount = money.Min(money.NonNegative(order.Coupon.DiscountMinor), subtotal)
	}

	// 5 (needed by free-shipping evaluation). Shipping from the snapshot.
	var shippingMinor int64
	if order.ShippingMethod != nil {
		shippingMinor = money.NonNegative(order.ShippingMethod.PriceMinor)
	}

	// 3. Promotions.
	pc, err := s.promotionContext(ctx, q, order, subtotal, shippingMinor, now)
	if err != nil {
		return nil, err
	}
	active, err := q.ListActivePromotions(ctx, now)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list promotions")
	}
	if err := s.loadUserUsage(ctx, q, active, pc); err != nil {
		return nil, err
	}

	var candidates []PromotionCandidate
	for _, p := range active {
		if skip[p.ID] {
			continue
		}
		if !p.AutoApply && !codeMatches(p.Code, order.PromotionCode) {
			continue
		}
		if c, ok := EvaluatePromotion(p, *pc); ok {
			candidates = append(candidates, c)
		}
	}
	selected := CapPromotions(SelectPromotions(candidates), subtotal-couponDiscount)

	snapshots := make([]domain.PromotionSnapshot, 0, len(selected))
	var promotionsDiscount int64
	for _, c := range selected {
		snapshots = append(snapshots, promotionSnapshot(c))
		promotionsDiscount += c.DiscountMinor
	}

	discountTotal := couponDiscount + promotionsDiscount
	if discountTotal > subtotal {
		return nil, fmt.Errorf("%w: discount %d, subtotal %d", ErrDiscountExceedsSubtotal, discountTotal, subtotal)
	}

	// 6. Tax over the discounted basis.
	basis := money.NonNegative(subtotal - discountTotal + shippingMinor)
	taxRes, err := s.taxCalc.CalculateTax(ctx, tax.TaxParams{
		BasisMinor:      basis,
		ShippingAddress: taxAddress(order.ShippingAddress),
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to calculate tax")
	}

	// 7. Grand total.
	grand := money.NonNegative(subtotal - discountTotal + shippingMinor + taxRes.TotalTaxMinor)

	taxSnap := domain.TaxSnapshot{
		Rate:         taxRes.Rate,
		BasisMinor:   taxRes.BasisMinor,
		Jurisdiction: taxRes.Jurisdiction,
	}
	if order.ShippingAddress != nil {
		taxSnap.Country = order.ShippingAddress.Country
		taxSnap.City = order.ShippingAddress.City
	}

	return &pricingResult{
		pricing: domain.Pricing{
			SubtotalMinor:      subtotal,
			DiscountTotalMinor: discountTotal,
			Discounts: domain.DiscountBreakdown{
				CouponMinor:     couponDiscount,
				PromotionsMinor: promotionsDiscount,
			},
			ShippingMinor:   shippingMinor,
			TaxMinor:        taxRes.TotalTaxMinor,
			Tax:             taxSnap,
			GrandTotalMinor: grand,
			Currency:        order.Pricing.Currency,
			RepricedAt:      now,
		},
		promotions: snapshots,
	}, nil
}

// syncPromotions releases promotions that are no longer selected and
// reserves newly selected ones. A promotion that hit a usage limit is
// returned with the error so the caller can price without it.
func (s *pricingService) syncPromotions(ctx context.Context, q repository.Querier, order *domain.Order, next []domain.PromotionSnapshot) (uuid.UUID, error) {
	keep := make(map[uuid.UUID]bool, len(next))
	for _, p := range next {
		keep[p.PromotionID] = true
	}
	had := make(map[uuid.UUID]bool, len(order.Promotions))
	for _, p := range order.Promotions {
		had[p.PromotionID] = true
		if keep[p.PromotionID] {
			continue
		}
		if err := s.discounts.Release(ctx, q, domain.RedemptionPromotion, p.PromotionID, order.ID); err != nil {
			return uuid.Nil, err
		}
	}

	for _, p := range next {
		if had[p.PromotionID] {
			continue
		}
		promo, err := q.GetPromotion(ctx, p.PromotionID)
		if err != nil {
			return uuid.Nil, wrapInternal(err, "pricing.sync", "failed to load promotion")
		}
		err = s.discounts.Reserve(ctx, q, ReserveDiscountParams{
			Entity:  promo.Entity(),
			OrderID: order.ID,
			UserID:  order.UserID,
		})
		if errors.Is(err, ErrMaxUsesReached) || errors.Is(err, ErrMaxUsesPerUserReached) {
			return p.PromotionID, err
		}
		if err != nil {
			return uuid.Nil, err
		}
	}
	return uuid.Nil, nil
}

func (s *pricingService) promotionContext(ctx context.Context, q repository.Querier, order *domain.Order, subtotal, shippingMinor int64, now time.Time) (*PromotionContext, error) {
	const op = "pricing.promotions"

	pc := &PromotionContext{
		Now:           now,
		SubtotalMinor: subtotal,
		ShippingMinor: shippingMinor,
		UserUsage:     make(map[uuid.UUID]int64),
		Applied:       make(map[uuid.UUID]bool, len(order.Promotions)),
	}
	for _, p := range order.Promotions {
		pc.Applied[p.PromotionID] = true
	}
	if order.ShippingAddress != nil {
		pc.City = order.ShippingAddress.City
	}

	if order.UserID.Valid {
		u, err := q.GetUser(ctx, order.UserID.UUID)
		switch {
		case err == nil:
			pc.User = u
		case errors.Is(err, repository.ErrNotFound):
			pc.User = &domain.User{ID: order.UserID.UUID}
		default:
			return nil, domain.Internal(err, op, "failed to load user")
		}
	}

	ids := make([]uuid.UUID, 0, len(order.Items))
	for _, it := range order.Items {
		ids = append(ids, it.ProductID)
	}
	products, err := q.GetProducts(ctx, ids)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load products")
	}
	byID := make(map[uuid.UUID]*domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	for _, it := range order.Items {
		line := PromotionLine{ProductID: it.ProductID, LineTotalMinor: it.LineTotalMinor}
		if p, ok := byID[it.ProductID]; ok {
			line.CategoryIDs = p.CategoryIDs
			line.BrandID = p.BrandID
		}
		pc.Lines = append(pc.Lines, line)
	}
	return pc, nil
}

func (s *pricingService) loadUserUsage(ctx context.Context, q repository.Querier, promotions []*domain.Promotion, pc *PromotionContext) error {
	if pc.User == nil {
		return nil
	}
	for _, p := range promotions {
		if p.MaxUsesPerUser == nil {
			continue
		}
		n, err := q.GetUserUsage(ctx, domain.RedemptionPromotion, p.ID, pc.User.ID)
		if err != nil {
			return domain.Internal(err, "pricing.promotions", "failed to load user usage")
		}
		pc.UserUsage[p.ID] = n
	}
	return nil
}

// subtotalOf recomputes line totals and rejects tampered snapshots.
func subtotalOf(items []domain.LineItem) (int64, error) {
	var subtotal int64
	for _, it := range items {
		if it.UnitPriceMinor < 0 || it.Quantity <= 0 {
			return 0, fmt.Errorf("%w: variant %s", ErrInvalidLineItem, it.VariantID)
		}
		line, err := money.Mul(it.UnitPriceMinor, it.Quantity)
		if err != nil {
			return 0, fmt.Errorf("%w: variant %s: %v", ErrInvalidLineItem, it.VariantID, err)
		}
		if it.LineTotalMinor != line {
			return 0, fmt.Errorf("%w: variant %s line total %d, expected %d",
				ErrInvalidLineItem, it.VariantID, it.LineTotalMinor, line)
		}
		if subtotal, err = money.Add(subtotal, line); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidLineItem, err)
		}
	}
	return subtotal, nil
}

func codeMatches(promoCode, orderCode string) bool {
	return promoCode != "" && orderCode != "" && strings.EqualFold(promoCode, strings.TrimSpace(orderCode))
}

func taxAddress(a *domain.Address) tax.Address {
	if a == nil {
		return tax.Address{}
	}
	return tax.Address{City: a.City, State: a.State, Country: a.Country}
}

// loadOrder maps a missing order to ErrOrderNotFound.
func loadOrder(ctx context.Context, q repository.Querier, id uuid.UUID) (*domain.Order, error) {
	o, err := q.GetOrder(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, domain.Internal(err, "order.load", "failed to load order")
	}
	return o, nil
}

func recordConflict(op string) {
	if telemetry.Business != nil {
		telemetry.Business.StatusConflicts.WithLabelValues(op).Inc()
	}
}
