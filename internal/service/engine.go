package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dukerupert/ordercore/internal/address"
	"github.com/dukerupert/ordercore/internal/billing"
	"github.com/dukerupert/ordercore/internal/outbox"
	"github.com/dukerupert/ordercore/internal/repository"
	"github.com/dukerupert/ordercore/internal/tax"
)

// OrderConfig tunes the order lifecycle.
type OrderConfig struct {
	// Currency is used for orders created without one.
	Currency string

	// StrictTransactions makes payment finalization and refunds refuse to
	// run on a store without transaction support.
	StrictTransactions bool

	// PaymentTTL is how long a pending_payment order waits for payment.
	PaymentTTL time.Duration

	// DraftTTL is how long an untouched draft keeps its reservations.
	DraftTTL time.Duration

	// RefundWindow is measured from PaidAt. Zero disables the check.
	RefundWindow time.Duration

	// MaxConfirmAttempts bounds stock confirmation retries of paid orders.
	MaxConfirmAttempts int

	// GatewayTimeout bounds each payment gateway call.
	GatewayTimeout time.Duration

	// PaymentProvider is recorded on the order's payment block.
	PaymentProvider string

	SuccessURL string
	CancelURL  string

	// SweepBatchSize limits how many orders one sweep run loads.
	SweepBatchSize int

	AllowLegacyReservations bool
}

func (c OrderConfig) withDefaults() OrderConfig {
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.PaymentTTL <= 0 {
		c.PaymentTTL = 30 * time.Minute
	}
	if c.DraftTTL <= 0 {
		c.DraftTTL = 24 * time.Hour
	}
	if c.MaxConfirmAttempts <= 0 {
		c.MaxConfirmAttempts = 5
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 15 * time.Second
	}
	if c.PaymentProvider == "" {
		c.PaymentProvider = "stripe"
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	return c
}

// Engine wires the order engine's components over one store.
type Engine struct {
	Ledger    StockLedger
	Discounts DiscountReservations
	Pricing   PricingService
	Status    StatusMachine
	Orders    OrderService
	Checkout  CheckoutService
	Refunds   RefundService
}

// EngineParams are the external collaborators of the engine.
type EngineParams struct {
	Store     repository.Store
	Gateway   billing.Gateway
	Tax       tax.Calculator
	Publisher outbox.Publisher
	Config    OrderConfig

	// Addresses defaults to address.NewBasicValidator().
	Addresses address.Validator
	Logger    zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewEngine builds every component of the order engine.
func NewEngine(p EngineParams) (*Engine, error) {
	if p.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if p.Gateway == nil {
		return nil, errors.New("engine: payment gateway is required")
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Addresses == nil {
		p.Addresses = address.NewBasicValidator()
	}
	cfg := p.Config.withDefaults()

	ledger := NewStockLedger(p.Store, p.Logger, p.Now)
	discounts := NewDiscountReservations(p.Store, p.Logger, p.Now)
	pricing, err := NewPricingService(p.Store, discounts, p.Tax, p.Logger, p.Now)
	if err != nil {
		return nil, err
	}
	status := NewStatusMachine(p.Store, ledger, discounts, p.Publisher,
		StatusConfig{AllowLegacyReservations: cfg.AllowLegacyReservations}, p.Logger, p.Now)

	deps := &orchestrator{
		store:     p.Store,
		ledger:    ledger,
		discounts: discounts,
		pricing:   pricing,
		status:    status,
		gateway:   p.Gateway,
		addresses: p.Addresses,
		effects:   newEffects(p.Publisher, p.Logger),
		cfg:       cfg,
		logger:    p.Logger,
		now:       p.Now,
	}

	return &Engine{
		Ledger:    ledger,
		Discounts: discounts,
		Pricing:   pricing,
		Status:    status,
		Orders:    &orderService{deps},
		Checkout:  &checkoutService{deps},
		Refunds:   &refundService{deps},
	}, nil
}

// orchestrator holds what the order, checkout and refund services share.
type orchestrator struct {
	store     repository.Store
	ledger    StockLedger
	discounts DiscountReservations
	pricing   PricingService
	status    StatusMachine
	gateway   billing.Gateway
	addresses address.Validator
	effects   *effects
	cfg       OrderConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// requireTransactions enforces strict mode for money-moving operations.
func (o *orchestrator) requireTransactions() error {
	if o.cfg.StrictTransactions && !o.store.SupportsTransactions() {
		return ErrTransactionsRequired
	}
	return nil
}

// expireSession expires a gateway session best-effort.
func (o *orchestrator) expireSession(ctx context.Context, orderID uuid.UUID, sessionID string) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.GatewayTimeout)
	defer cancel()
	if err := o.gateway.ExpireSession(ctx, sessionID); err != nil {
		o.logger.Warn().
			Err(err).
			Str("order_id", orderID.String()).
			Str("session_id", sessionID).
			Msg("failed to expire checkout session")
	}
}

// dispatch enqueues transition effects plus extra messages after commit.
func (o *orchestrator) dispatch(ctx context.Context, results []*TransitionResult, extra []outbox.Message) {
	o.status.Dispatch(ctx, results...)
	o.effects.dispatch(ctx, extra)
}
