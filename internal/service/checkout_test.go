package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/ordercore/internal/billing"
	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/jobs"
	"github.com/dukerupert/ordercore/internal/repository/memory"
)

func TestStartCheckout_CreatesSession(t *testing.T) {
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	env.shippingMethod("standard", 300)
	o := env.pending(t, v, 2, func(p *CreateDraftOrderParams) { p.ShippingMethod = "standard" })

	res, err := env.engine.Checkout.StartCheckout(context.Background(), o.ID)
	require.NoError(t, err)

	assert.False(t, res.Reused)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.SessionURL)
	assert.Equal(t, 1, env.gateway.CallCount("CreateCheckoutSession"))

	stored := env.order(t, o.ID)
	assert.Equal(t, res.SessionID, stored.Payment.SessionID)
	assert.Equal(t, int64(2300), stored.Payment.SessionAmount)
	assert.Equal(t, domain.PaymentStatusPending, stored.Payment.Status)
	assert.Equal(t, "stripe", stored.Payment.Provider)

	cs := env.gateway.Sessions[res.SessionID]
	require.NotNil(t, cs)
	assert.Equal(t, stored.Pricing.GrandTotalMinor, cs.AmountTotal, "line items sum to the grand total")
}

func TestStartCheckout_ReusesMatchingSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.pending(t, v, 1)

	first, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)
	second, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, env.gateway.CallCount("CreateCheckoutSession"))
}

func TestStartCheckout_ReplacesSessionWhenTotalChanges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.pending(t, v, 1)

	first, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)

	env.store.PutPromotion(domain.Promotion{
		ID: uuid.New(), Name: "flash", Type: domain.DiscountFixed, Value: 100,
		Stacking: domain.StackingStackable, AutoApply: true, Active: true,
	})

	second, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)

	assert.False(t, second.Reused)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.True(t, env.gateway.Expired[first.SessionID])
	assert.Equal(t, int64(900), env.order(t, o.ID).Payment.SessionAmount)
}

func TestStartCheckout_RetryAfterGatewayFailureReusesKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.pending(t, v, 1)

	var keys []string
	env.gateway.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CheckoutSessionParams) (*billing.CheckoutSession, error) {
		keys = append(keys, params.IdempotencyKey)
		if len(keys) == 1 {
			return nil, errors.New("gateway timeout")
		}
		return &billing.CheckoutSession{ID: "cs_retry", URL: "https://checkout.stripe.test/pay/cs_retry", AmountTotal: 1000, Currency: "usd"}, nil
	}

	_, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.ErrorIs(t, err, ErrGatewayFailed)

	res, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "cs_retry", res.SessionID)

	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, "cs_retry", env.order(t, o.ID).Payment.SessionID)
}

func TestStartCheckout_NewSessionGetsNewKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.pending(t, v, 1)

	var keys []string
	env.gateway.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CheckoutSessionParams) (*billing.CheckoutSession, error) {
		keys = append(keys, params.IdempotencyKey)
		id := fmt.Sprintf("cs_%d", len(keys))
		return &billing.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/pay/" + id, AmountTotal: 1000, Currency: "usd"}, nil
	}

	first, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)

	// A promotion changes the total, then disappears again.
	promo := domain.Promotion{
		ID: uuid.New(), Name: "flash", Type: domain.DiscountFixed, Value: 100,
		Stacking: domain.StackingStackable, AutoApply: true, Active: true,
	}
	env.store.PutPromotion(promo)
	_, err = env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)
	promo.Active = false
	env.store.PutPromotion(promo)

	third, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)

	require.Len(t, keys, 3)
	assert.NotEqual(t, keys[0], keys[2], "a discarded session is never handed back")
	assert.NotEqual(t, first.SessionID, third.SessionID)
	assert.True(t, env.gateway.Expired[first.SessionID])
}

func TestStartCheckout_FreeOrderSkipsGateway(t *testing.T) {
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	env.fixedCoupon("FREE", 1000, nil)
	o := env.pending(t, v, 1, func(p *CreateDraftOrderParams) { p.CouponCode = "FREE" })

	res, err := env.engine.Checkout.StartCheckout(context.Background(), o.ID)
	require.NoError(t, err)

	require.NotNil(t, res.Finalized)
	assert.Equal(t, OutcomeStockConfirmed, res.Finalized.Outcome)
	assert.Empty(t, res.SessionID)
	assert.Equal(t, 0, env.gateway.CallCount("CreateCheckoutSession"))

	stored := env.order(t, o.ID)
	assert.Equal(t, domain.OrderStatusStockConfirmed, stored.Status)
	assert.Equal(t, "none", stored.Payment.Provider)
	assert.Equal(t, int64(9), env.store.Variant(v.ID).Stock)
	assert.Len(t, env.outbox.Topic(jobs.TopicNotifyOrderPaid), 1)
}

func TestStartCheckout_Errors(t *testing.T) {
	t.Run("draft order", func(t *testing.T) {
		env := newTestEnv(t)
		v := env.variant(1000, 10)
		o := env.draft(t, v, 1)

		_, err := env.engine.Checkout.StartCheckout(context.Background(), o.ID)
		assert.ErrorIs(t, err, ErrOrderNotCheckoutable)
	})

	t.Run("gateway failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.CreateCheckoutSessionFunc = func(ctx context.Context, params billing.CheckoutSessionParams) (*billing.CheckoutSession, error) {
			return nil, errors.New("stripe unavailable")
		}
		v := env.variant(1000, 10)
		o := env.pending(t, v, 1)

		_, err := env.engine.Checkout.StartCheckout(context.Background(), o.ID)
		assert.ErrorIs(t, err, ErrGatewayFailed)
		assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
		assert.Empty(t, env.order(t, o.ID).Payment.SessionID)
	})

	t.Run("unknown order", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.engine.Checkout.StartCheckout(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestCheckoutLineItems_SumToTotal(t *testing.T) {
	o := &domain.Order{
		Items: []domain.LineItem{
			{Name: "Beans", UnitPriceMinor: 333, Quantity: 3, LineTotalMinor: 999},
			{Name: "Filter", UnitPriceMinor: 250, Quantity: 1, LineTotalMinor: 250},
		},
		ShippingMethod: &domain.ShippingMethodSnapshot{Code: "standard", Name: "Ground"},
		Pricing: domain.Pricing{
			SubtotalMinor:      1249,
			DiscountTotalMinor: 100,
			ShippingMinor:      400,
			TaxMinor:           91,
			GrandTotalMinor:    1640,
			Currency:           "USD",
		},
	}

	items, err := checkoutLineItems(o)
	require.NoError(t, err)

	var sum int64
	names := map[string]bool{}
	for _, li := range items {
		sum += li.Total()
		names[li.Name] = true
	}
	assert.Equal(t, o.Pricing.GrandTotalMinor, sum)
	assert.True(t, names["Shipping (Ground)"])
	assert.True(t, names["Tax"])
	assert.True(t, names["Adjustment"], "rounding lands on an adjustment line")
}

func TestFinalizePaidOrder_ConfirmsStock(t *testing.T) {
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.paid(t, v, 3)

	assert.Equal(t, domain.OrderStatusStockConfirmed, o.Status)
	assert.Equal(t, domain.StockStatusConfirmed, o.Stock.Status)
	assert.Equal(t, domain.PaymentStatusCaptured, o.Payment.Status)
	assert.Equal(t, int64(3000), o.Payment.CapturedMinor)
	require.NotNil(t, o.PaidAt)

	got := env.store.Variant(v.ID)
	assert.Equal(t, int64(7), got.Stock)
	assert.Equal(t, int64(0), got.StockReserved)

	assert.Len(t, env.outbox.Topic(jobs.TopicNotifyOrderPaid), 1)
	assert.Len(t, env.outbox.Topic(jobs.TopicIssueInvoice), 1)
	assert.Len(t, env.outbox.Topic(jobs.TopicRecordSale), 1)
}

func TestFinalizePaidOrder_RepeatedEventIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.paid(t, v, 1)

	res, err := env.engine.Checkout.FinalizePaidOrder(ctx, PaymentConfirmation{
		EventID:          "evt_repeat",
		SessionID:        o.Payment.SessionID,
		PaymentReference: o.Payment.PaymentReference,
		AmountMinor:      o.Pricing.GrandTotalMinor,
		Currency:         "usd",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyFinalized, res.Outcome)
	assert.Equal(t, int64(9), env.store.Variant(v.ID).Stock)
	assert.Equal(t, o.Version, env.order(t, o.ID).Version)
	assert.Len(t, env.outbox.Topic(jobs.TopicNotifyOrderPaid), 1)
}

func TestFinalizePaidOrder_PaymentMismatchReleasesStock(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(pc *PaymentConfirmation)
	}{
		{name: "amount", mutate: func(pc *PaymentConfirmation) { pc.AmountMinor-- }},
		{name: "currency", mutate: func(pc *PaymentConfirmation) { pc.Currency = "eur" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)
			v := env.variant(1000, 10)
			coupon := env.fixedCoupon("SAVE1", 100, nil)
			o := env.pending(t, v, 2, func(p *CreateDraftOrderParams) { p.CouponCode = "SAVE1" })

			cr, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
			require.NoError(t, err)

			pc := PaymentConfirmation{
				SessionID:        cr.SessionID,
				PaymentReference: "pi_mismatch",
				AmountMinor:      cr.Order.Pricing.GrandTotalMinor,
				Currency:         "usd",
			}
			tt.mutate(&pc)

			res, err := env.engine.Checkout.FinalizePaidOrder(ctx, pc)
			require.NoError(t, err)
			assert.Equal(t, OutcomePaymentMismatch, res.Outcome)
			assert.NotEmpty(t, res.Detail)

			stored := env.order(t, o.ID)
			assert.Equal(t, domain.OrderStatusPendingPayment, stored.Status)
			assert.Equal(t, domain.StockStatusReleased, stored.Stock.Status)
			assert.Equal(t, domain.PaymentStatusMismatch, stored.Payment.Status)
			assert.Equal(t, int64(0), env.store.Variant(v.ID).StockReserved)
			assert.Equal(t, int64(0), env.store.Coupon(coupon.ID).UsesTotal)
			assert.Len(t, env.outbox.Topic(jobs.TopicNotifyPaymentIssue), 1)
		})
	}
}

func TestFinalizePaidOrder_CancelledOrderIsUntouched(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.pending(t, v, 1)

	cr, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)
	_, err = env.engine.Status.Transition(ctx, nil, TransitionParams{OrderID: o.ID, To: domain.OrderStatusCancelled, Actor: ActorAdmin})
	require.NoError(t, err)
	before := env.order(t, o.ID)

	res, err := env.engine.Checkout.FinalizePaidOrder(ctx, PaymentConfirmation{
		SessionID:        cr.SessionID,
		PaymentReference: "pi_late",
		AmountMinor:      cr.Order.Pricing.GrandTotalMinor,
		Currency:         "usd",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeOrderClosed, res.Outcome)
	stored := env.order(t, o.ID)
	assert.Equal(t, before, stored)
	assert.Empty(t, stored.Payment.PaymentReference)
	assert.Len(t, env.outbox.Topic(jobs.TopicNotifyPaymentIssue), 1)
}

func TestFinalizePaidOrder_DraftOrderIsStatusMismatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.draft(t, v, 1)

	res, err := env.engine.Checkout.FinalizePaidOrder(ctx, PaymentConfirmation{
		OrderID:          o.ID,
		PaymentReference: "pi_early",
		AmountMinor:      1000,
		Currency:         "usd",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeStatusMismatch, res.Outcome)
	stored := env.order(t, o.ID)
	assert.Equal(t, domain.OrderStatusDraft, stored.Status)
	assert.Equal(t, domain.PaymentStatusMismatch, stored.Payment.Status)
	assert.Equal(t, "pi_early", stored.Payment.PaymentReference)
	assert.NotEmpty(t, stored.Payment.LastError)
	assert.Equal(t, domain.StockStatusReserved, stored.Stock.Status)
	assert.Equal(t, int64(1), env.store.Variant(v.ID).StockReserved)
}

func TestFinalizePaidOrder_StockConfirmFailureKeepsPayment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.pending(t, v, 2)

	cr, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)

	drained := env.store.Variant(v.ID)
	drained.Stock, drained.StockReserved = 1, 0
	env.store.PutVariant(drained)

	res, err := env.engine.Checkout.FinalizePaidOrder(ctx, PaymentConfirmation{
		SessionID:        cr.SessionID,
		PaymentReference: "pi_1",
		AmountMinor:      cr.Order.Pricing.GrandTotalMinor,
		Currency:         "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStockConfirmFailed, res.Outcome)

	stored := env.order(t, o.ID)
	assert.Equal(t, domain.OrderStatusPaymentReceived, stored.Status)
	assert.Equal(t, domain.PaymentStatusCaptured, stored.Payment.Status)
	assert.Equal(t, domain.StockStatusConfirmFailed, stored.Stock.Status)
	assert.Equal(t, 1, stored.Stock.Attempts)
	assert.NotEmpty(t, stored.Stock.LastError)
	assert.Empty(t, env.outbox.Topic(jobs.TopicNotifyOrderPaid))
}

func TestFinalizePaidOrder_FallsBackToOrderID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v := env.variant(1000, 10)
	o := env.pending(t, v, 1)
	_, err := env.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)

	res, err := env.engine.Checkout.FinalizePaidOrder(ctx, PaymentConfirmation{
		SessionID:   "cs_unknown",
		OrderID:     o.ID,
		AmountMinor: 1000,
		Currency:    "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaymentMismatch, res.Outcome, "a different session never pays the order")

	_, err = env.engine.Checkout.FinalizePaidOrder(ctx, PaymentConfirmation{SessionID: "cs_unknown"})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFinalizePaidOrder_RequiresTransactions(t *testing.T) {
	env := newTestEnv(t, withStore(memory.New(memory.WithoutTransactions())))

	_, err := env.engine.Checkout.FinalizePaidOrder(context.Background(), PaymentConfirmation{SessionID: "cs_1"})
	assert.ErrorIs(t, err, ErrTransactionsRequired)
	assert.Equal(t, domain.ETXREQUIRED, domain.ErrorCode(err))
}
