package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/jobs"
	"github.com/dukerupert/ordercore/internal/outbox"
	"github.com/dukerupert/ordercore/internal/repository"
	"github.com/dukerupert/ordercore/internal/telemetry"
)

// Actor names recorded in status history.
const (
	ActorSystem   = "system"
	ActorCustomer = "customer"
	ActorAdmin    = "admin"
	ActorWebhook  = "webhook"
	ActorSweep    = "sweep"
)

// StatusMachine executes order status transitions and their side effects.
type StatusMachine interface {
	// Transition loads the order and applies params. With a nil session it
	// runs in its own transaction and dispatches effects after commit; with
	// a session the caller must call Dispatch once its transaction commits.
	Transition(ctx context.Context, session repository.Querier, params TransitionParams) (*TransitionResult, error)

	// Apply transitions an order already loaded in session. order is
	// updated in place only when the transition commits to the session.
	Apply(ctx context.Context, session repository.Querier, order *domain.Order, params TransitionParams) (*TransitionResult, error)

	// Dispatch enqueues the effects of a committed transition.
	Dispatch(ctx context.Context, results ...*TransitionResult)
}

// TransitionParams describes one status change.
type TransitionParams struct {
	OrderID uuid.UUID `validate:"required"`

	// From, when set, must equal the order's current status.
	From domain.OrderStatus

	To       domain.OrderStatus `validate:"required"`
	Actor    string
	Reason   string
	Metadata map[string]string
}

// TransitionResult is a committed (or session-pending) transition.
type TransitionResult struct {
	Order   *domain.Order
	From    domain.OrderStatus
	Effects []outbox.Message
}

// StatusConfig tunes the state machine.
type StatusConfig struct {
	// AllowLegacyReservations back-fills missing stock reservations on confirm.
	AllowLegacyReservations bool
}

type statusMachine struct {
	store     repository.Store
	ledger    StockLedger
	discounts DiscountReservations
	effects   *effects
	cfg       StatusConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// NewStatusMachine creates a StatusMachine.
func NewStatusMachine(
	store repository.Store,
	ledger StockLedger,
	discounts DiscountReservations,
	publisher outbox.Publisher,
	cfg StatusConfig,
	logger zerolog.Logger,
	now func() time.Time,
) StatusMachine {
	if now == nil {
		now = time.Now
	}
	logger = logger.With().Str("component", "status_machine").Logger()
	return &statusMachine{
		store:     store,
		ledger:    ledger,
		discounts: discounts,
		effects:   newEffects(publisher, logger),
		cfg:       cfg,
		logger:    logger,
		now:       now,
	}
}

func (m *statusMachine) Transition(ctx context.Context, session repository.Querier, params TransitionParams) (*TransitionResult, error) {
	if err := validateParams("order.transition", params); err != nil {
		return nil, err
	}

	q := session
	if q == nil {
		q = m.store
	}

	var res *TransitionResult
	err := q.WithinTx(ctx, func(q repository.Querier) error {
		order, err := loadOrder(ctx, q, params.OrderID)
		if err != nil {
			return err
		}
		res, err = m.Apply(ctx, q, order, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	if session == nil {
		m.Dispatch(ctx, res)
	}
	return res, nil
}

func (m *statusMachine) Apply(ctx context.Context, session repository.Querier, order *domain.Order, params TransitionParams) (*TransitionResult, error) {
	const op = "order.transition"

	from := order.Status
	to := params.To
	if params.From != "" && params.From != from {
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", ErrOrderStatusConflict, order.ID, from, params.From)
	}
	if !to.Valid() || !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
	}

	next := order.Clone()
	res := &TransitionResult{From: from}

	err := session.WithinTx(ctx, func(q repository.Querier) error {
		now := m.now()

		switch to {
		case domain.OrderStatusCancelled:
			if err := m.enterCancelled(ctx, q, next, params, now); err != nil {
				return err
			}

		case domain.OrderStatusStockConfirmed:
			if err := m.enterStockConfirmed(ctx, q, next, now); err != nil {
				return err
			}

		case domain.OrderStatusPaid:
			if next.PaidAt == nil {
				next.PaidAt = &now
			}
		}

		next.Status = to
		next.UpdatedAt = now
		next.StatusHistory = append(next.StatusHistory, domain.StatusChange{
			From:     from,
			To:       to,
			At:       now,
			Actor:    actorOr(params.Actor),
			Reason:   params.Reason,
			Metadata: params.Metadata,
		})

		ok, err := q.UpdateOrder(ctx, next, repository.OrderCondition{Status: from, Version: order.Version})
		if err != nil {
			return domain.Internal(err, op, "failed to save order status")
		}
		if !ok {
			recordConflict(op)
			return fmt.Errorf("%w: order %s left %s", ErrOrderStatusConflict, order.ID, from)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	*order = *next
	res.Order = order

	switch {
	case to == domain.OrderStatusCancelled:
		msg, err := jobs.NotifyOrderCancelled(notification(order, params.Reason))
		res.Effects = m.effects.add(res.Effects, msg, err)
	case to == domain.OrderStatusStockConfirmed &&
		(from == domain.OrderStatusPaid || from == domain.OrderStatusPaymentReceived):
		res.Effects = append(res.Effects, m.saleEffects(order)...)
	}

	if telemetry.Business != nil {
		telemetry.Business.OrderTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	m.logger.Info().
		Str("order_id", order.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actorOr(params.Actor)).
		Msg("order status changed")
	return res, nil
}

// enterCancelled releases reserved stock in the transition's unit of work.
// Returning confirmed stock and releasing discount reservations are
// best-effort and run in savepoints.
func (m *statusMachine) enterCancelled(ctx context.Context, q repository.Querier, o *domain.Order, params TransitionParams, now time.Time) error {
	reason := params.Reason
	if reason == "" {
		reason = "order cancelled"
	}

	if _, err := m.ledger.ReleaseReserved(ctx, q, o.ID, reason); err != nil {
		return err
	}
	if o.Stock.Status == domain.StockStatusReserved || o.Stock.Status == domain.StockStatusConfirmFailed {
		o.Stock.Status = domain.StockStatusReleased
		o.Stock.ReleasedAt = &now
	}

	if o.Stock.Status == domain.StockStatusConfirmed {
		if err := m.restockConfirmed(ctx, q, o, reason); err != nil {
			m.logger.Warn().Err(err).Str("order_id", o.ID.String()).Msg("failed to restock cancelled order")
		} else {
			o.Stock.Status = domain.StockStatusReleased
			o.Stock.ReleasedAt = &now
		}
	}

	if err := m.discounts.ReleaseAll(ctx, q, o); err != nil {
		m.logger.Warn().Err(err).Str("order_id", o.ID.String()).Msg("failed to release discounts on cancel")
	}

	o.Cancel = &domain.CancelBlock{At: now, Actor: actorOr(params.Actor), Reason: params.Reason}
	if telemetry.Business != nil {
		telemetry.Business.OrdersCancelled.WithLabelValues(actorOr(params.Actor)).Inc()
	}
	return nil
}

func (m *statusMachine) restockConfirmed(ctx context.Context, q repository.Querier, o *domain.Order, reason string) error {
	rows, err := q.ListStockReservations(ctx, o.ID)
	if err != nil {
		return err
	}
	var items []domain.StockItem
	for _, r := range rows {
		if r.Status == domain.ReservationConfirmed {
			items = append(items, domain.StockItem{VariantID: r.VariantID, ProductID: r.ProductID, Quantity: r.Quantity})
		}
	}
	if len(items) == 0 {
		return nil
	}
	return m.ledger.RestoreOnRefund(ctx, q, RestoreStockParams{OrderID: o.ID, Items: items, Reason: reason})
}

func (m *statusMachine) enterStockConfirmed(ctx context.Context, q repository.Querier, o *domain.Order, now time.Time) error {
	if o.Stock.Status == domain.StockStatusConfirmed {
		return nil
	}

	err := m.ledger.Confirm(ctx, q, ConfirmStockParams{
		OrderID:     o.ID,
		Items:       domain.StockItemsFromOrder(o),
		AllowLegacy: m.cfg.AllowLegacyReservations,
	})
	if err != nil {
		return err
	}

	o.Stock.Status = domain.StockStatusConfirmed
	o.Stock.ConfirmedAt = &now
	o.Stock.LastError = ""
	return nil
}

// saleEffects are the invoice and ranking messages for a paid order.
func (m *statusMachine) saleEffects(o *domain.Order) []outbox.Message {
	var msgs []outbox.Message

	paidAt := o.UpdatedAt
	if o.PaidAt != nil {
		paidAt = *o.PaidAt
	}
	msg, err := jobs.IssueInvoice(jobs.IssueInvoicePayload{
		OrderID:         o.ID,
		UserID:          o.UserIDString(),
		GrandTotalMinor: o.Pricing.GrandTotalMinor,
		TaxMinor:        o.Pricing.TaxMinor,
		Currency:        o.Pricing.Currency,
		PaidAt:          paidAt,
	})
	msgs = m.effects.add(msgs, msg, err)

	lines := make([]jobs.SaleLine, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, jobs.SaleLine{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity})
	}
	msg, err = jobs.RecordSale(jobs.RecordSalePayload{OrderID: o.ID, Lines: lines})
	return m.effects.add(msgs, msg, err)
}

func (m *statusMachine) Dispatch(ctx context.Context, results ...*TransitionResult) {
	for _, res := range results {
		if res != nil {
			m.effects.dispatch(ctx, res.Effects)
		}
	}
}

func notification(o *domain.Order, reason string) jobs.OrderNotificationPayload {
	return jobs.OrderNotificationPayload{
		OrderID:     o.ID,
		UserID:      o.UserIDString(),
		Status:      string(o.Status),
		AmountMinor: o.Pricing.GrandTotalMinor,
		Currency:    o.Pricing.Currency,
		Reason:      reason,
	}
}

func actorOr(actor string) string {
	if actor == "" {
		return ActorSystem
	}
	return actor
}
