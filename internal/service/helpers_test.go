package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/ordercore/internal/billing"
	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/outbox"
	"github.com/dukerupert/ordercore/internal/repository"
	"github.com/dukerupert/ordercore/internal/repository/memory"
)

// testClock is a settable clock shared by every engine component.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store   *memory.Store
	gateway *billing.MockGateway
	outbox  *outbox.Memory
	clock   *testClock
	engine  *Engine
}

type envOption func(*EngineParams)

func withConfig(fn func(*OrderConfig)) envOption {
	return func(p *EngineParams) { fn(&p.Config) }
}

func withStore(store repository.Store) envOption {
	return func(p *EngineParams) { p.Store = store }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   memory.New(),
		gateway: billing.NewMockGateway(),
		outbox:  outbox.NewMemory(),
		clock:   newTestClock(),
	}
	params := EngineParams{
		Store:     env.store,
		Gateway:   env.gateway,
		Publisher: env.outbox,
		Config: OrderConfig{
			Currency:           "USD",
			StrictTransactions: true,
			RefundWindow:       30 * 24 * time.Hour,
			MaxConfirmAttempts: 3,
		},
		Logger: zerolog.Nop(),
		Now:    env.clock.Now,
	}
	for _, opt := range opts {
		opt(&params)
	}

	engine, err := NewEngine(params)
	require.NoError(t, err)
	env.engine = engine
	return env
}

// variant seeds an active variant and its product.
func (e *testEnv) variant(price, stock int64) domain.Variant {
	v := domain.Variant{
		ID:         uuid.New(),
		ProductID:  uuid.New(),
		SKU:        "SKU-" + uuid.NewString()[:6],
		Name:       "Widget",
		PriceMinor: price,
		Stock:      stock,
		Active:     true,
	}
	e.store.PutProduct(domain.Product{ID: v.ProductID, Name: v.Name, InStock: stock > 0})
	e.store.PutVariant(v)
	return v
}

func (e *testEnv) shippingMethod(code string, price int64) {
	e.store.PutShippingMethod(domain.ShippingMethod{Code: code, Name: "Standard", BasePriceMinor: price, Active: true})
}

func (e *testEnv) fixedCoupon(code string, value int64, maxUses *int64) domain.Coupon {
	c := domain.Coupon{
		ID:        uuid.New(),
		Code:      code,
		Type:      domain.DiscountFixed,
		Value:     value,
		Active:    true,
		UsageCaps: domain.UsageCaps{MaxUsesTotal: maxUses},
	}
	e.store.PutCoupon(c)
	return c
}

// draft creates a draft order for qty units of v.
func (e *testEnv) draft(t *testing.T, v domain.Variant, qty int64, mod ...func(*CreateDraftOrderParams)) *domain.Order {
	t.Helper()
	params := CreateDraftOrderParams{Items: []DraftItem{{VariantID: v.ID, Quantity: qty}}}
	for _, m := range mod {
		m(&params)
	}
	o, err := e.engine.Orders.CreateDraftOrder(context.Background(), params)
	require.NoError(t, err)
	return o
}

// pending creates an order and submits it for payment.
func (e *testEnv) pending(t *testing.T, v domain.Variant, qty int64, mod ...func(*CreateDraftOrderParams)) *domain.Order {
	t.Helper()
	o := e.draft(t, v, qty, mod...)
	o, err := e.engine.Orders.SubmitOrder(context.Background(), o.ID)
	require.NoError(t, err)
	return o
}

// paid drives an order through checkout and a matching payment event.
func (e *testEnv) paid(t *testing.T, v domain.Variant, qty int64, mod ...func(*CreateDraftOrderParams)) *domain.Order {
	t.Helper()
	ctx := context.Background()
	o := e.pending(t, v, qty, mod...)

	cr, err := e.engine.Checkout.StartCheckout(ctx, o.ID)
	require.NoError(t, err)

	res, err := e.engine.Checkout.FinalizePaidOrder(ctx, PaymentConfirmation{
		EventID:          "evt_" + uuid.NewString()[:8],
		SessionID:        cr.SessionID,
		OrderID:          o.ID,
		PaymentReference: "pi_" + uuid.NewString()[:8],
		AmountMinor:      cr.Order.Pricing.GrandTotalMinor,
		Currency:         "usd",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeStockConfirmed, res.Outcome)
	return res.Order
}

func (e *testEnv) order(t *testing.T, id uuid.UUID) *domain.Order {
	t.Helper()
	o, err := e.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func ptr[T any](v T) *T { return &v }
