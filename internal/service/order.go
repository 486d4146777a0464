package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/money"
	"github.com/dukerupert/ordercore/internal/repository"
	"github.com/dukerupert/ordercore/internal/shipping"
	"github.com/dukerupert/ordercore/internal/telemetry"
)

// OrderService provides the order editing surface exposed to controllers.
// Every edit reprices the order in the same transaction.
type OrderService interface {
	// CreateDraftOrder snapshots items, reserves their stock and prices the order.
	CreateDraftOrder(ctx context.Context, params CreateDraftOrderParams) (*domain.Order, error)

	// SubmitOrder moves a draft to pending_payment and starts the payment window.
	SubmitOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)

	GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)

	ApplyCoupon(ctx context.Context, orderID uuid.UUID, code string) (*domain.Order, error)
	RemoveCoupon(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	SetShippingMethod(ctx context.Context, orderID uuid.UUID, code string) (*domain.Order, error)

	// SetPromotionCode sets the explicit promotion code. An empty code clears it.
	SetPromotionCode(ctx context.Context, orderID uuid.UUID, code string) (*domain.Order, error)

	// CancelOrder cancels the order and expires its open checkout session.
	// Customers may cancel only editable orders.
	CancelOrder(ctx context.Context, params CancelOrderParams) (*domain.Order, error)

	// AdminTransitionStatus applies any table transition except the refund
	// statuses, which only AdminRefund may enter.
	AdminTransitionStatus(ctx context.Context, params AdminTransitionParams) (*domain.Order, error)
}

// DraftItem is a requested variant and quantity.
type DraftItem struct {
	VariantID uuid.UUID `validate:"required"`
	Quantity  int64     `validate:"gt=0"`
}

// CreateDraftOrderParams contains the parameters for creating an order.
type CreateDraftOrderParams struct {
	UserID          uuid.NullUUID
	Items           []DraftItem `validate:"required,min=1,dive"`
	Currency        string
	ShippingMethod  string
	ShippingAddress *domain.Address
	BillingAddress  *domain.Address
	CouponCode      string
	PromotionCode   string
}

// CancelOrderParams contains the parameters for cancelling an order.
type CancelOrderParams struct {
	OrderID uuid.UUID `validate:"required"`
	Actor   string
	Reason  string
}

// AdminTransitionParams contains the parameters for a manual status change.
type AdminTransitionParams struct {
	OrderID  uuid.UUID          `validate:"required"`
	To       domain.OrderStatus `validate:"required"`
	Reason   string
	Metadata map[string]string
}

type orderService struct {
	*orchestrator
}

func (s *orderService) CreateDraftOrder(ctx context.Context, params CreateDraftOrderParams) (*domain.Order, error) {
	const op = "order.create"

	if len(params.Items) == 0 {
		return nil, ErrEmptyOrder
	}
	if err := validateParams(op, params); err != nil {
		return nil, err
	}

	currency := params.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, domain.NewValidationError(op, "Currency", err.Error())
	}

	shipTo, err := s.checkAddress(ctx, op, "ShippingAddress", params.ShippingAddress)
	if err != nil {
		return nil, err
	}
	billTo, err := s.checkAddress(ctx, op, "BillingAddress", params.BillingAddress)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "order.CreateDraftOrder")

	var order *domain.Order
	err = s.store.WithinTx(ctx, func(q repository.Querier) error {
		now := s.now()

		items, err := s.snapshotItems(ctx, q, mergeItems(params.Items))
		if err != nil {
			return err
		}

		o := &domain.Order{
			ID:              uuid.New(),
			UserID:          params.UserID,
			Status:          domain.OrderStatusDraft,
			Items:           items,
			Pricing:         domain.Pricing{Currency: currency},
			PromotionCode:   strings.TrimSpace(params.PromotionCode),
			ShippingAddress: shipTo,
			BillingAddress:  billTo,
			Stock:           domain.StockBlock{Status: domain.StockStatusNone},
			Payment:         domain.PaymentBlock{Status: domain.PaymentStatusNone},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := q.CreateOrder(ctx, o); err != nil {
			return domain.Internal(err, op, "failed to create order")
		}

		expires := now.Add(s.cfg.DraftTTL)
		err = s.ledger.Reserve(ctx, q, ReserveStockParams{
			OrderID:              o.ID,
			Items:                domain.StockItemsFromOrder(o),
			RequireActiveVariant: true,
			ExpiresAt:            &expires,
		})
		if err != nil {
			return err
		}
		o.Stock.Status = domain.StockStatusReserved
		o.Stock.ReservedAt = &now

		if params.ShippingMethod != "" {
			if err := s.attachShipping(ctx, q, o, params.ShippingMethod); err != nil {
				return err
			}
		}
		if params.CouponCode != "" {
			if err := s.attachCoupon(ctx, q, o, params.CouponCode); err != nil {
				return err
			}
		}

		if err := s.pricing.RepriceTx(ctx, q, o); err != nil {
			return err
		}
		if o.PromotionCode != "" && !hasPromotionCode(o, o.PromotionCode) {
			return fmt.Errorf("%w: %s", ErrPromotionNotApplicable, o.PromotionCode)
		}

		order = o
		return nil
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	if telemetry.Business != nil {
		telemetry.Business.OrdersCreated.WithLabelValues(strconv.FormatBool(!order.UserID.Valid)).Inc()
	}
	s.logger.Info().
		Str("order_id", order.ID.String()).
		Int("items", len(order.Items)).
		Int64("grand_total", order.Pricing.GrandTotalMinor).
		Msg("draft order created")
	return order, nil
}

// mergeItems folds repeated variants into one line.
func mergeItems(items []DraftItem) []DraftItem {
	index := make(map[uuid.UUID]int, len(items))
	out := make([]DraftItem, 0, len(items))
	for _, it := range items {
		if i, ok := index[it.VariantID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.VariantID] = len(out)
		out = append(out, it)
	}
	return out
}

func (s *orderService) snapshotItems(ctx context.Context, q repository.Querier, items []DraftItem) ([]domain.LineItem, error) {
	const op = "order.create"

	lines := make([]domain.LineItem, 0, len(items))
	for _, it := range items {
		v, err := q.GetVariant(ctx, it.VariantID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, it.VariantID)
		}
		if err != nil {
			return nil, domain.Internal(err, op, "failed to load variant")
		}
		if !v.Sellable() {
			return nil, fmt.Errorf("%w: %s", ErrVariantNotSellable, it.VariantID)
		}

		total, err := money.Mul(v.PriceMinor, it.Quantity)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidLineItem, it.VariantID, err)
		}
		lines = append(lines, domain.LineItem{
			VariantID:      v.ID,
			ProductID:      v.ProductID,
			Name:           v.Name,
			UnitPriceMinor: v.PriceMinor,
			Quantity:       it.Quantity,
			LineTotalMinor: total,
		})
	}
	return lines, nil
}

func (s *orderService) SubmitOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	var res *TransitionResult
	err := s.store.WithinTx(ctx, func(q repository.Querier) error {
		o, err := loadOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderStatusDraft {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, o.Status, domain.OrderStatusPendingPayment)
		}
		if o.Stock.Status != domain.StockStatusReserved {
			return fmt.Errorf("%w: stock is %s", ErrOrderNotCheckoutable, o.Stock.Status)
		}

		if err := s.pricing.RepriceTx(ctx, q, o); err != nil {
			return err
		}

		expires := s.now().Add(s.cfg.PaymentTTL)
		o.ExpiresAt = &expires
		res, err = s.status.Apply(ctx, q, o, TransitionParams{
			OrderID: o.ID,
			From:    domain.OrderStatusDraft,
			To:      domain.OrderStatusPendingPayment,
			Actor:   ActorCustomer,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.status.Dispatch(ctx, res)
	return res.Order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return loadOrder(ctx, s.store, orderID)
}

// edit loads an editable order, applies fn and reprices, all in one
// transaction. A non-nil check runs on the repriced order before commit.
func (s *orderService) edit(ctx context.Context, orderID uuid.UUID, fn func(q repository.Querier, o *domain.Order) error, check func(o *domain.Order) error) (*domain.Order, error) {
	var order *domain.Order
	err := s.store.WithinTx(ctx, func(q repository.Querier) error {
		o, err := loadOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		if !o.Status.IsEditable() {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotEditable, o.ID, o.Status)
		}
		if err := fn(q, o); err != nil {
			return err
		}
		if err := s.pricing.RepriceTx(ctx, q, o); err != nil {
			return err
		}
		if check != nil {
			if err := check(o); err != nil {
				return err
			}
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *orderService) ApplyCoupon(ctx context.Context, orderID uuid.UUID, code string) (*domain.Order, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.NewValidationError("order.apply_coupon", "Code", "is required")
	}
	return s.edit(ctx, orderID, func(q repository.Querier, o *domain.Order) error {
		return s.attachCoupon(ctx, q, o, code)
	}, nil)
}

func (s *orderService) RemoveCoupon(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.edit(ctx, orderID, func(q repository.Querier, o *domain.Order) error {
		return s.detachCoupon(ctx, q, o)
	}, nil)
}

func (s *orderService) SetShippingMethod(ctx context.Context, orderID uuid.UUID, code string) (*domain.Order, error) {
	return s.edit(ctx, orderID, func(q repository.Querier, o *domain.Order) error {
		if strings.TrimSpace(code) == "" {
			o.ShippingMethod = nil
			return nil
		}
		return s.attachShipping(ctx, q, o, code)
	}, nil)
}

func (s *orderService) SetPromotionCode(ctx context.Context, orderID uuid.UUID, code string) (*domain.Order, error) {
	code = strings.TrimSpace(code)

	update := func(q repository.Querier, o *domain.Order) error {
		if code != "" {
			if _, err := q.GetPromotionByCode(ctx, code); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrPromotionNotFound, code)
				}
				return domain.Internal(err, "order.set_promotion_code", "failed to load promotion")
			}
		}
		o.PromotionCode = code
		return nil
	}
	check := func(o *domain.Order) error {
		if code != "" && !hasPromotionCode(o, code) {
			return fmt.Errorf("%w: %s", ErrPromotionNotApplicable, code)
		}
		return nil
	}
	return s.edit(ctx, orderID, update, check)
}

func hasPromotionCode(o *domain.Order, code string) bool {
	for _, p := range o.Promotions {
		if codeMatches(p.Code, code) {
			return true
		}
	}
	return false
}

// attachCoupon validates the coupon against the order, swaps any previous
// coupon reservation and snapshots it. The caller reprices.
func (s *orderService) attachCoupon(ctx context.Context, q repository.Querier, o *domain.Order, code string) error {
	const op = "order.apply_coupon"

	c, err := q.GetCouponByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrCouponNotFound, code)
	}
	if err != nil {
		return domain.Internal(err, op, "failed to load coupon")
	}
	if o.Coupon != nil && o.Coupon.CouponID == c.ID {
		return nil
	}

	subtotal, err := subtotalOf(o.Items)
	if err != nil {
		return err
	}
	discount, ok := CouponDiscount(c, subtotal, s.now())
	if !ok {
		return fmt.Errorf("%w: %s", ErrCouponNotApplicable, code)
	}

	if err := s.detachCoupon(ctx, q, o); err != nil {
		return err
	}
	err = s.discounts.Reserve(ctx, q, ReserveDiscountParams{
		Entity:  c.Entity(),
		OrderID: o.ID,
		UserID:  o.UserID,
	})
	if err != nil {
		return err
	}

	o.Coupon = &domain.CouponSnapshot{
		CouponID:      c.ID,
		Code:          c.Code,
		Type:          c.Type,
		Value:         c.Value,
		DiscountMinor: discount,
		Reserved:      true,
	}
	return nil
}

func (s *orderService) detachCoupon(ctx context.Context, q repository.Querier, o *domain.Order) error {
	if o.Coupon == nil {
		return nil
	}
	if o.Coupon.Reserved {
		if err := s.discounts.Release(ctx, q, domain.RedemptionCoupon, o.Coupon.CouponID, o.ID); err != nil {
			return err
		}
	}
	o.Coupon = nil
	return nil
}

func (s *orderService) attachShipping(ctx context.Context, q repository.Querier, o *domain.Order, code string) error {
	const op = "order.set_shipping"

	m, err := q.GetShippingMethod(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrShippingMethodNotFound, code)
	}
	if err != nil {
		return domain.Internal(err, op, "failed to load shipping method")
	}

	subtotal, err := subtotalOf(o.Items)
	if err != nil {
		return err
	}
	snap, err := shipping.Snapshot(*m, shipping.RateParams{SubtotalMinor: subtotal, ItemCount: o.ItemCount()})
	if err != nil {
		return domain.WrapError(err, domain.EINVALID, op, "Shipping method cannot be used for this order")
	}
	o.ShippingMethod = snap
	return nil
}

func (s *orderService) CancelOrder(ctx context.Context, params CancelOrderParams) (*domain.Order, error) {
	if err := validateParams("order.cancel", params); err != nil {
		return nil, err
	}
	actor := params.Actor
	if actor == "" {
		actor = ActorCustomer
	}

	var (
		res       *TransitionResult
		sessionID string
	)
	err := s.store.WithinTx(ctx, func(q repository.Querier) error {
		o, err := loadOrder(ctx, q, params.OrderID)
		if err != nil {
			return err
		}
		if actor == ActorCustomer && !o.Status.IsEditable() {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotEditable, o.ID, o.Status)
		}
		if o.Payment.Status == domain.PaymentStatusPending {
			sessionID = o.Payment.SessionID
		}
		res, err = s.status.Apply(ctx, q, o, TransitionParams{
			OrderID: o.ID,
			To:      domain.OrderStatusCancelled,
			Actor:   actor,
			Reason:  params.Reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.status.Dispatch(ctx, res)
	s.expireSession(ctx, res.Order.ID, sessionID)
	return res.Order, nil
}

func (s *orderService) AdminTransitionStatus(ctx context.Context, params AdminTransitionParams) (*domain.Order, error) {
	if err := validateParams("order.admin_transition", params); err != nil {
		return nil, err
	}
	switch params.To {
	case domain.OrderStatusRefunded, domain.OrderStatusPartiallyRefunded:
		return nil, fmt.Errorf("%w: %s is entered by refunds only", ErrInvalidStatusTransition, params.To)
	case domain.OrderStatusCancelled:
		return s.CancelOrder(ctx, CancelOrderParams{OrderID: params.OrderID, Actor: ActorAdmin, Reason: params.Reason})
	}

	res, err := s.status.Transition(ctx, nil, TransitionParams{
		OrderID:  params.OrderID,
		To:       params.To,
		Actor:    ActorAdmin,
		Reason:   params.Reason,
		Metadata: params.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// checkAddress validates addr and returns its normalized form. A nil
// address is allowed.
func (s *orderService) checkAddress(ctx context.Context, op, field string, addr *domain.Address) (*domain.Address, error) {
	if addr == nil {
		return nil, nil
	}
	res, err := s.addresses.Validate(ctx, *addr)
	if err != nil {
		return nil, domain.Unavailable(err, op, "address validation failed")
	}
	if !res.IsValid {
		var verr error
		for _, e := range res.Errors {
			verr = domain.AddFieldError(verr, field+"."+e.Field, e.Message)
		}
		if verr == nil {
			verr = domain.NewValidationError(op, field, "address is not deliverable")
		}
		return nil, verr
	}
	if res.NormalizedAddress != nil {
		return res.NormalizedAddress, nil
	}
	return addr, nil
}
