package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dukerupert/ordercore/internal/billing"
	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/jobs"
	"github.com/dukerupert/ordercore/internal/money"
	"github.com/dukerupert/ordercore/internal/outbox"
	"github.com/dukerupert/ordercore/internal/repository"
	"github.com/dukerupert/ordercore/internal/telemetry"
)

// RefundService issues idempotent refunds of captured payments.
type RefundService interface {
	// AdminRefund refunds AmountMinor, or the whole remaining balance when
	// it is nil. Repeating a call with the same idempotency key returns
	// the first outcome without calling the gateway again.
	AdminRefund(ctx context.Context, params AdminRefundParams) (*RefundResult, error)
}

// AdminRefundParams contains the parameters for a refund.
type AdminRefundParams struct {
	OrderID        uuid.UUID `validate:"required"`
	IdempotencyKey string
	AmountMinor    *int64
	Reason         string
	Actor          string

	// Restock returns units to stock after the refund commits. A full
	// refund restores every confirmed row; a partial one restores
	// RestockItems.
	Restock      bool
	RestockItems []domain.StockItem
}

// RefundResult is the refund request and the order after it.
type RefundResult struct {
	Request *domain.RefundRequest
	Order   *domain.Order
}

// Refund block statuses.
const (
	RefundStatusPartial = "partial"
	RefundStatusFull    = "full"
)

type refundService struct {
	*orchestrator
}

func (s *refundService) AdminRefund(ctx context.Context, params AdminRefundParams) (_ *RefundResult, err error) {
	const op = "refund.admin"

	if params.IdempotencyKey == "" {
		return nil, ErrRefundKeyRequired
	}
	if err := s.requireTransactions(); err != nil {
		return nil, err
	}
	if err := validateParams(op, params); err != nil {
		return nil, err
	}
	actor := params.Actor
	if actor == "" {
		actor = ActorAdmin
	}

	ctx, span := telemetry.StartSpan(ctx, "refund.AdminRefund",
		attribute.String("order_id", params.OrderID.String()),
		attribute.String("idempotency_key", params.IdempotencyKey))
	defer func() { telemetry.EndSpan(span, err) }()

	prior, err := s.store.GetRefundRequest(ctx, params.OrderID, params.IdempotencyKey)
	switch {
	case err == nil:
		return s.replay(ctx, prior)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, domain.Internal(err, op, "failed to load refund request")
	}

	var (
		req   *domain.RefundRequest
		order *domain.Order
	)
	err = s.store.WithinTx(ctx, func(q repository.Querier) error {
		o, err := loadOrder(ctx, q, params.OrderID)
		if err != nil {
			return err
		}
		amount, err := s.refundAmount(o, params.AmountMinor)
		if err != nil {
			return err
		}
		if params.Restock {
			full := o.Refund.AmountRefundedMinor+amount >= o.RefundableTotal()
			if _, err := s.planRestock(ctx, q, o, params, full); err != nil {
				return err
			}
		}

		now := s.now()
		r := &domain.RefundRequest{
			ID:                  uuid.New(),
			OrderID:             o.ID,
			IdempotencyKey:      params.IdempotencyKey,
			Status:              domain.RefundRequestCreated,
			AmountMinor:         amount,
			RefundedBeforeMinor: o.Refund.AmountRefundedMinor,
			Reason:              params.Reason,
			Actor:               actor,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := q.InsertRefundRequest(ctx, r); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrRefundInProgress
			}
			return domain.Internal(err, op, "failed to create refund request")
		}

		r.Status = domain.RefundRequestProcessing
		if err := q.UpdateRefundRequest(ctx, r); err != nil {
			return domain.Internal(err, op, "failed to mark refund processing")
		}
		req, order = r, o
		return nil
	})
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	refund, err := s.gateway.CreateRefund(gctx, billing.RefundParams{
		PaymentReference: order.Payment.PaymentReference,
		AmountMinor:      req.AmountMinor,
		Reason:           params.Reason,
		Metadata:         map[string]string{"order_id": order.ID.String(), "refund_request_id": req.ID.String()},
		IdempotencyKey:   refundIdempotencyKey(order.ID, params.IdempotencyKey),
	})
	cancel()
	if err != nil {
		s.failRequest(ctx, req, "", err)
		s.observeRefund("failed", "", 0)
		return nil, fmt.Errorf("%w: %w", ErrGatewayFailed, err)
	}

	var (
		results  []*TransitionResult
		msgs     []outbox.Message
		restored []domain.StockItem
	)
	err = s.store.WithinTx(ctx, func(q repository.Querier) error {
		var ferr error
		order, results, msgs, restored, ferr = s.finalizeRefund(ctx, q, req, refund, actor, params)
		return ferr
	})
	if err != nil {
		s.failRequest(ctx, req, refund.ID, err)
		s.observeRefund("reconcile", "", 0)
		telemetry.CaptureReconcile(err, req.OrderID.String(), map[string]interface{}{
			"refund_request_id": req.ID.String(),
			"gateway_refund_id": refund.ID,
			"amount":            req.AmountMinor,
		})
		s.logger.Error().
			Err(err).
			Str("order_id", req.OrderID.String()).
			Str("gateway_refund_id", refund.ID).
			Msg("refund issued but not recorded")
		return nil, fmt.Errorf("%w: %w", ErrRefundDbFinalizationFailed, err)
	}

	s.dispatch(ctx, results, msgs)
	s.restock(ctx, order, restored, req)
	s.observeRefund("succeeded", order.Pricing.Currency, req.AmountMinor)

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("gateway_refund_id", refund.ID).
		Int64("amount", req.AmountMinor).
		Str("status", string(order.Status)).
		Msg("refund issued")
	return &RefundResult{Request: req, Order: order}, nil
}

// replay resolves a repeated idempotency key from the stored request.
func (s *refundService) replay(ctx context.Context, prior *domain.RefundRequest) (*RefundResult, error) {
	switch prior.Status {
	case domain.RefundRequestSucceeded:
		o, err := loadOrder(ctx, s.store, prior.OrderID)
		if err != nil {
			return nil, err
		}
		return &RefundResult{Request: prior, Order: o}, nil
	case domain.RefundRequestFailed:
		return nil, fmt.Errorf("%w: %s", ErrRefundPreviouslyFailed, prior.Error)
	default:
		return nil, ErrRefundInProgress
	}
}

// refundAmount validates the order and resolves the requested amount.
func (s *refundService) refundAmount(o *domain.Order, requested *int64) (int64, error) {
	if !o.Status.IsRefundable() {
		return 0, fmt.Errorf("%w: order %s is %s", ErrOrderNotRefundable, o.ID, o.Status)
	}
	if s.cfg.RefundWindow > 0 && o.PaidAt != nil && s.now().After(o.PaidAt.Add(s.cfg.RefundWindow)) {
		return 0, fmt.Errorf("%w: paid at %s", ErrRefundWindowExpired, o.PaidAt.Format("2006-01-02"))
	}
	if o.Payment.PaymentReference == "" {
		return 0, ErrPaymentReferenceMissing
	}

	remaining := o.RefundableTotal() - o.Refund.AmountRefundedMinor
	if remaining <= 0 {
		return 0, ErrAlreadyFullyRefunded
	}
	if requested == nil {
		return remaining, nil
	}
	if *requested <= 0 || *requested > remaining {
		return 0, fmt.Errorf("%w: requested %d, remaining %d", ErrRefundAmountInvalid, *requested, remaining)
	}
	return *requested, nil
}

func refundIdempotencyKey(orderID uuid.UUID, key string) string {
	return "refund:" + orderID.String() + ":" + key
}

// finalizeRefund records a gateway refund on the order, along with the
// units it will restock.
func (s *refundService) finalizeRefund(ctx context.Context, q repository.Querier, req *domain.RefundRequest, refund *billing.Refund, actor string, params AdminRefundParams) (*domain.Order, []*TransitionResult, []outbox.Message, []domain.StockItem, error) {
	const op = "refund.finalize"

	o, err := loadOrder(ctx, q, req.OrderID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	before := o.Refund.AmountRefundedMinor
	if before != req.RefundedBeforeMinor {
		return nil, nil, nil, nil, fmt.Errorf("%w: refunded %d, expected %d", ErrRefundRaceDetected, before, req.RefundedBeforeMinor)
	}

	total := before + req.AmountMinor
	full := total >= o.RefundableTotal()
	target := domain.OrderStatusPartiallyRefunded
	o.Refund.Status = RefundStatusPartial
	if full {
		target = domain.OrderStatusRefunded
		o.Refund.Status = RefundStatusFull
	}
	o.Refund.AmountRefundedMinor = total
	o.Refund.LastGatewayRefundID = refund.ID

	var restock []domain.StockItem
	if params.Restock {
		// The refund already happened, so a plan that no longer fits only
		// skips the restock.
		restock, err = s.planRestock(ctx, q, o, params, full)
		if err != nil {
			s.logger.Warn().Err(err).Str("order_id", o.ID.String()).Msg("skipping restock")
			restock = nil
		}
		if len(restock) > 0 && o.Refund.RestockedUnits == nil {
			o.Refund.RestockedUnits = make(map[uuid.UUID]int64, len(restock))
		}
		for _, it := range restock {
			o.Refund.RestockedUnits[it.VariantID] += it.Quantity
		}
	}

	if full {
		if _, err := s.ledger.ReleaseReserved(ctx, q, o.ID, "order refunded"); err != nil {
			return nil, nil, nil, nil, err
		}
		if o.Stock.Status == domain.StockStatusReserved || o.Stock.Status == domain.StockStatusConfirmFailed {
			now := s.now()
			o.Stock.Status = domain.StockStatusReleased
			o.Stock.ReleasedAt = &now
		}
	}

	o.UpdatedAt = s.now()
	ok, err := q.UpdateOrder(ctx, o, repository.OrderCondition{
		Status:        o.Status,
		Version:       o.Version,
		RefundedMinor: &before,
	})
	if err != nil {
		return nil, nil, nil, nil, domain.Internal(err, op, "failed to record refund")
	}
	if !ok {
		recordConflict(op)
		return nil, nil, nil, nil, fmt.Errorf("%w: order %s changed while refunding", ErrRefundRaceDetected, o.ID)
	}

	if full {
		if err := s.discounts.ReleaseAll(ctx, q, o); err != nil {
			s.logger.Warn().Err(err).Str("order_id", o.ID.String()).Msg("failed to release discounts on refund")
		}
	}

	var results []*TransitionResult
	for _, to := range refundPath(o.Status, target) {
		res, err := s.status.Apply(ctx, q, o, TransitionParams{
			OrderID:  o.ID,
			To:       to,
			Actor:    actor,
			Reason:   req.Reason,
			Metadata: map[string]string{"refund_id": refund.ID, "idempotency_key": req.IdempotencyKey},
		})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		results = append(results, res)
	}

	req.Status = domain.RefundRequestSucceeded
	req.GatewayRefundID = refund.ID
	req.UpdatedAt = s.now()
	if err := q.UpdateRefundRequest(ctx, req); err != nil {
		return nil, nil, nil, nil, domain.Internal(err, op, "failed to mark refund succeeded")
	}

	payload := notification(o, req.Reason)
	payload.AmountMinor = req.AmountMinor
	msg, err := jobs.NotifyOrderRefunded(payload, req.IdempotencyKey)
	msgs := s.effects.add(nil, msg, err)
	return o, results, msgs, restock, nil
}

// refundPath lists the statuses to enter to reach target. A partial refund
// of a partially refunded order stays put.
func refundPath(from, target domain.OrderStatus) []domain.OrderStatus {
	if from == target {
		return nil
	}
	if domain.CanTransition(from, target) {
		return []domain.OrderStatus{target}
	}
	return []domain.OrderStatus{domain.OrderStatusRefundPending, target}
}

// failRequest marks req failed. gatewayID is kept so a reconciliation can
// match the gateway refund.
func (s *refundService) failRequest(ctx context.Context, req *domain.RefundRequest, gatewayID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	r := *req
	r.Status = domain.RefundRequestFailed
	r.GatewayRefundID = gatewayID
	r.Error = cause.Error()
	r.UpdatedAt = s.now()
	if err := s.store.UpdateRefundRequest(ctx, &r); err != nil {
		s.logger.Error().Err(err).Str("order_id", r.OrderID.String()).Msg("failed to mark refund request failed")
		return
	}
	*req = r
}

// planRestock resolves the units a refund returns to stock. A full refund
// returns every sold unit not yet restocked. A partial one returns
// RestockItems, each of which must be a confirmed variant of the order
// within its unrestocked quantity.
func (s *refundService) planRestock(ctx context.Context, q repository.Querier, o *domain.Order, params AdminRefundParams, full bool) ([]domain.StockItem, error) {
	rows, err := q.ListStockReservations(ctx, o.ID)
	if err != nil {
		return nil, domain.Internal(err, "refund.restock", "failed to list reservations")
	}

	bought := make(map[uuid.UUID]int64, len(o.Items))
	for _, it := range o.Items {
		bought[it.VariantID] += it.Quantity
	}
	left := make(map[uuid.UUID]domain.StockItem, len(rows))
	var variants []uuid.UUID
	for _, r := range rows {
		if r.Status != domain.ReservationConfirmed {
			continue
		}
		n := money.Min(r.Quantity, bought[r.VariantID]) - o.Refund.RestockedUnits[r.VariantID]
		if n <= 0 {
			continue
		}
		left[r.VariantID] = domain.StockItem{VariantID: r.VariantID, ProductID: r.ProductID, Quantity: n}
		variants = append(variants, r.VariantID)
	}

	if full {
		items := make([]domain.StockItem, 0, len(variants))
		for _, id := range variants {
			items = append(items, left[id])
		}
		return items, nil
	}

	want := make(map[uuid.UUID]int64, len(params.RestockItems))
	var ids []uuid.UUID
	for _, it := range params.RestockItems {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: variant %s quantity %d", ErrRestockInvalid, it.VariantID, it.Quantity)
		}
		if _, ok := want[it.VariantID]; !ok {
			ids = append(ids, it.VariantID)
		}
		want[it.VariantID] += it.Quantity
	}
	items := make([]domain.StockItem, 0, len(ids))
	for _, id := range ids {
		avail, ok := left[id]
		if !ok || want[id] > avail.Quantity {
			return nil, fmt.Errorf("%w: variant %s requested %d, restockable %d",
				ErrRestockInvalid, id, want[id], avail.Quantity)
		}
		items = append(items, domain.StockItem{VariantID: id, ProductID: avail.ProductID, Quantity: want[id]})
	}
	return items, nil
}

// restock returns planned units to stock after commit, best-effort.
func (s *refundService) restock(ctx context.Context, o *domain.Order, items []domain.StockItem, req *domain.RefundRequest) {
	if len(items) == 0 {
		return
	}

	err := s.ledger.RestoreOnRefund(context.WithoutCancel(ctx), nil, RestoreStockParams{
		OrderID:  o.ID,
		Items:    items,
		RefundID: req.GatewayRefundID,
		Reason:   "refund restock",
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("order_id", o.ID.String()).Msg("failed to restock refunded items")
	}
}

func (s *refundService) observeRefund(result, currency string, amount int64) {
	if telemetry.Business == nil {
		return
	}
	telemetry.Business.RefundsIssued.WithLabelValues(result).Inc()
	if amount > 0 {
		telemetry.Business.RefundAmount.WithLabelValues(currency).Add(float64(amount))
	}
}
