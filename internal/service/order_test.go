package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/repository"
)

func TestOrderService_CreateDraftOrder(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(env *testEnv) CreateDraftOrderParams
		wantErr  error
		wantCode string
		check    func(t *testing.T, env *testEnv, o *domain.Order)
	}{
		{
			name: "reserves stock and merges repeated variants",
			setup: func(env *testEnv) CreateDraftOrderParams {
				v := env.variant(1000, 10)
				return CreateDraftOrderParams{Items: []DraftItem{
					{VariantID: v.ID, Quantity: 2},
					{VariantID: v.ID, Quantity: 1},
				}}
			},
			check: func(t *testing.T, env *testEnv, o *domain.Order) {
				require.Len(t, o.Items, 1)
				assert.Equal(t, int64(3), o.Items[0].Quantity)
				assert.Equal(t, int64(3000), o.Items[0].LineTotalMinor)
				assert.Equal(t, domain.OrderStatusDraft, o.Status)
				assert.Equal(t, domain.StockStatusReserved, o.Stock.Status)
				assert.Equal(t, int64(3), env.store.Variant(o.Items[0].VariantID).StockReserved)
				assert.Equal(t, int64(3000), o.Pricing.GrandTotalMinor)
			},
		},
		{
			name:     "empty order",
			setup:    func(env *testEnv) CreateDraftOrderParams { return CreateDraftOrderParams{} },
			wantErr:  ErrEmptyOrder,
			wantCode: domain.EINVALID,
		},
		{
			name: "unknown variant",
			setup: func(env *testEnv) CreateDraftOrderParams {
				return CreateDraftOrderParams{Items: []DraftItem{{VariantID: uuid.New(), Quantity: 1}}}
			},
			wantErr:  ErrVariantNotFound,
			wantCode: domain.ENOTFOUND,
		},
		{
			name: "inactive variant",
			setup: func(env *testEnv) CreateDraftOrderParams {
				v := env.variant(1000, 10)
				v.Active = false
				env.store.PutVariant(v)
				return CreateDraftOrderParams{Items: []DraftItem{{VariantID: v.ID, Quantity: 1}}}
			},
			wantErr:  ErrVariantNotSellable,
			wantCode: domain.EINVALID,
		},
		{
			name: "out of stock leaves nothing reserved",
			setup: func(env *testEnv) CreateDraftOrderParams {
				plenty := env.variant(1000, 10)
				scarce := env.variant(500, 1)
				return CreateDraftOrderParams{Items: []DraftItem{
					{VariantID: plenty.ID, Quantity: 5},
					{VariantID: scarce.ID, Quantity: 2},
				}}
			},
			wantErr:  ErrOutOfStock,
			wantCode: domain.ECONFLICT,
		},
		{
			name: "unknown coupon",
			setup: func(env *testEnv) CreateDraftOrderParams {
				v := env.variant(1000, 10)
				return CreateDraftOrderParams{Items: []DraftItem{{VariantID: v.ID, Quantity: 1}}, CouponCode: "NOPE"}
			},
			wantErr:  ErrCouponNotFound,
			wantCode: domain.ENOTFOUND,
		},
		{
			name: "invalid currency",
			setup: func(env *testEnv) CreateDraftOrderParams {
				v := env.variant(1000, 10)
				return CreateDraftOrderParams{Items: []DraftItem{{VariantID: v.ID, Quantity: 1}}, Currency: "dollars"}
			},
			wantCode: domain.EINVALID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			params := tt.setup(env)

			o, err := env.engine.Orders.CreateDraftOrder(context.Background(), params)
			if tt.check == nil {
				require.Error(t, err)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				assert.Equal(t, tt.wantCode, domain.ErrorCode(err), "err: %v", err)
				for _, it := range params.Items {
					if v := env.store.Variant(it.VariantID); v.ID != uuid.Nil {
						assert.Equal(t, int64(0), v.StockReserved)
					}
				}
				return
			}
			require.NoError(t, err)
			tt.check(t, env, o)
		})
	}
}

func TestOrderService_CreateDraftOrder_Addresses(t *testing.T) {
	t.Run("normalizes a valid address", func(t *testing.T) {
		env := newTestEnv(t)
		v := env.variant(1000, 10)
		o := env.draft(t, v, 1, func(p *CreateDraftOrderParams) {
			p.ShippingAddress = &domain.Address{Line1: " 1 Main St", City: "Portland", State: "or", PostalCode: "97201", Country: "us"}
		})

		require.NotNil(t, o.ShippingAddress)
		assert.Equal(t, "US", o.ShippingAddress.Country)
		assert.Equal(t, "1 Main St", o.ShippingAddress.Line1)
		assert.Nil(t, o.BillingAddress)
	})

	t.Run("rejects an invalid address before reserving", func(t *testing.T) {
		env := newTestEnv(t)
		v := env.variant(1000, 10)

		_, err := env.engine.Orders.CreateDraftOrder(context.Background(), CreateDraftOrderParams{
			Items:           []DraftItem{{VariantID: v.ID, Quantity: 1}},
			ShippingAddress: &domain.Address{Line1: "1 Main St", City: "Portland", State: "OR", PostalCode: "abc", Country: "US"},
		})
		require.Error(t, err)
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		assert.Contains(t, domain.GetValidationFields(err), "ShippingAddress.PostalCode")
		assert.Equal(t, int64(0), env.store.Variant(v.ID).StockReserved)
	})
}

func TestOrderService_SubmitOrder(t *testing.T) {
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.draft(t, v, 1)

	submitted, err := env.engine.Orders.SubmitOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPendingPayment, submitted.Status)
	require.NotNil(t, submitted.ExpiresAt)
	assert.Equal(t, env.clock.Now().Add(30*time.Minute), *submitted.ExpiresAt)

	_, err = env.engine.Orders.SubmitOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestOrderService_CouponSwapReleasesPrevious(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	first := env.fixedCoupon("FIRST", 100, ptr(int64(5)))
	second := env.fixedCoupon("SECOND", 300, ptr(int64(5)))
	o := env.draft(t, v, 2, func(p *CreateDraftOrderParams) { p.CouponCode = "FIRST" })
	require.Equal(t, int64(1), env.store.Coupon(first.ID).UsesTotal)

	o, err := env.engine.Orders.ApplyCoupon(ctx, o.ID, "SECOND")
	require.NoError(t, err)
	assert.Equal(t, "SECOND", o.Coupon.Code)
	assert.Equal(t, int64(1700), o.Pricing.GrandTotalMinor)
	assert.Equal(t, int64(0), env.store.Coupon(first.ID).UsesTotal)
	assert.Equal(t, int64(1), env.store.Coupon(second.ID).UsesTotal)

	// Applying the same coupon is a no-op.
	_, err = env.engine.Orders.ApplyCoupon(ctx, o.ID, "SECOND")
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.store.Coupon(second.ID).UsesTotal)

	o, err = env.engine.Orders.RemoveCoupon(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, o.Coupon)
	assert.Equal(t, int64(2000), o.Pricing.GrandTotalMinor)
	assert.Equal(t, int64(0), env.store.Coupon(second.ID).UsesTotal)
}

func TestOrderService_CouponNotApplicable(t *testing.T) {
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	c := env.fixedCoupon("BIGSPEND", 100, nil)
	c.MinSubtotalMinor = 5000
	env.store.PutCoupon(c)
	o := env.draft(t, v, 1)

	_, err := env.engine.Orders.ApplyCoupon(context.Background(), o.ID, "BIGSPEND")
	assert.ErrorIs(t, err, ErrCouponNotApplicable)
	assert.Nil(t, env.order(t, o.ID).Coupon)
}

func TestOrderService_SetShippingMethod(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	env.shippingMethod("express", 700)
	o := env.draft(t, v, 1)

	o, err := env.engine.Orders.SetShippingMethod(ctx, o.ID, "express")
	require.NoError(t, err)
	assert.Equal(t, int64(700), o.Pricing.ShippingMinor)
	assert.Equal(t, int64(1700), o.Pricing.GrandTotalMinor)

	_, err = env.engine.Orders.SetShippingMethod(ctx, o.ID, "drone")
	assert.ErrorIs(t, err, ErrShippingMethodNotFound)

	o, err = env.engine.Orders.SetShippingMethod(ctx, o.ID, "")
	require.NoError(t, err)
	assert.Nil(t, o.ShippingMethod)
	assert.Equal(t, int64(1000), o.Pricing.GrandTotalMinor)
}

func TestOrderService_SetPromotionCode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	env.store.PutPromotion(domain.Promotion{
		ID: uuid.New(), Name: "vip", Code: "VIP", Type: domain.DiscountFixed, Value: 250,
		Stacking: domain.StackingStackable, Active: true,
	})
	env.store.PutPromotion(domain.Promotion{
		ID: uuid.New(), Name: "bulk", Code: "BULK", Type: domain.DiscountFixed, Value: 250,
		Stacking: domain.StackingStackable, Active: true, MinSubtotalMinor: 10000,
	})
	o := env.draft(t, v, 1)

	got, err := env.engine.Orders.SetPromotionCode(ctx, o.ID, "vip")
	require.NoError(t, err)
	assert.Equal(t, int64(750), got.Pricing.GrandTotalMinor)

	_, err = env.engine.Orders.SetPromotionCode(ctx, o.ID, "NOPE")
	assert.ErrorIs(t, err, ErrPromotionNotFound)

	_, err = env.engine.Orders.SetPromotionCode(ctx, o.ID, "BULK")
	assert.ErrorIs(t, err, ErrPromotionNotApplicable)
	assert.Equal(t, "vip", env.order(t, o.ID).PromotionCode, "a rejected code leaves the order unchanged")
}

func TestOrderService_EditsRequireEditableOrder(t *testing.T) {
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	env.fixedCoupon("LATE", 100, nil)
	o := env.paid(t, v, 1)

	_, err := env.engine.Orders.ApplyCoupon(context.Background(), o.ID, "LATE")
	assert.ErrorIs(t, err, ErrOrderNotEditable)
}

func TestOrderService_CancelOrder(t *testing.T) {
	t.Run("customer cancels pending order and session is expired", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		v := env.variant(1000, 10)
		o := env.pending(t, v, 2)
		cr, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
		require.NoError(t, err)

		cancelled, err := env.engine.Orders.CancelOrder(ctx, CancelOrderParams{OrderID: o.ID, Reason: "changed mind"})
		require.NoError(t, err)

		assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
		assert.Equal(t, ActorCustomer, cancelled.Cancel.Actor)
		assert.True(t, env.gateway.Expired[cr.SessionID])
		assert.Equal(t, int64(0), env.store.Variant(v.ID).StockReserved)
	})

	t.Run("customer cannot cancel a paid order", func(t *testing.T) {
		env := newTestEnv(t)
		v := env.variant(1000, 10)
		o := env.paid(t, v, 1)

		_, err := env.engine.Orders.CancelOrder(context.Background(), CancelOrderParams{OrderID: o.ID})
		assert.ErrorIs(t, err, ErrOrderNotEditable)
	})

	t.Run("cancelled is terminal", func(t *testing.T) {
		env := newTestEnv(t)
		v := env.variant(1000, 10)
		o := env.draft(t, v, 1)

		_, err := env.engine.Orders.CancelOrder(context.Background(), CancelOrderParams{OrderID: o.ID, Actor: ActorAdmin})
		require.NoError(t, err)
		_, err = env.engine.Orders.CancelOrder(context.Background(), CancelOrderParams{OrderID: o.ID, Actor: ActorAdmin})
		assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	})
}

func TestOrderService_AdminTransitionStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.paid(t, v, 1)

	_, err := env.engine.Orders.AdminTransitionStatus(ctx, AdminTransitionParams{OrderID: o.ID, To: domain.OrderStatusRefunded})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	shipped, err := env.engine.Orders.AdminTransitionStatus(ctx, AdminTransitionParams{
		OrderID:  o.ID,
		To:       domain.OrderStatusShipped,
		Metadata: map[string]string{"tracking": "1Z999"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, shipped.Status)
	last := shipped.StatusHistory[len(shipped.StatusHistory)-1]
	assert.Equal(t, ActorAdmin, last.Actor)
	assert.Equal(t, "1Z999", last.Metadata["tracking"])

	_, err = env.engine.Orders.AdminTransitionStatus(ctx, AdminTransitionParams{OrderID: o.ID, To: domain.OrderStatusCancelled})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition, "shipped orders cannot be cancelled")
}

func TestOrderService_GetOrder(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Orders.GetOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	_, err = env.store.GetOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
