package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

// CheckoutService drives an order from pending_payment to stock_confirmed.
type CheckoutService interface {
	// StartCheckout reprices the order and returns a payment session for it.
	// A zero total is finalized immediately without a gateway call.
	StartCheckout(ctx context.Context, orderID uuid.UUID) (*CheckoutResult, error)

	// FinalizePaidOrder applies a gateway completion event. Repeated events
	// for the same payment are no-ops.
	FinalizePaidOrder(ctx context.Context, payment PaymentConfirmation) (*FinalizeResult, error)

	// ReconcilePaidOrders retries stock confirmation of paid orders.
	ReconcilePaidOrders(ctx context.Context) (*SweepResult, error)

	// CancelExpiredOrders cancels pending_payment orders past their deadline.
	CancelExpiredOrders(ctx context.Context) (*SweepResult, error)

	// CancelStaleDraftOrders cancels drafts older than the draft TTL.
	CancelStaleDraftOrders(ctx context.Context) (*SweepResult, error)
}

// CheckoutResult is the outcome of StartCheckout.
type CheckoutResult struct {
	Order      *domain.Order
	SessionID  string
	SessionURL string

	// Reused is true when an existing session already matched the total.
	Reused bool

	// Finalized is set when a zero total skipped the gateway.
	Finalized *FinalizeResult
}

// PaymentConfirmation is a gateway completion event.
type PaymentConfirmation struct {
	EventID          string
	SessionID        string
	OrderID          uuid.UUID
	PaymentReference string
	AmountMinor      int64
	Currency         string

	// free marks the internal zero-total path, which has no session.
	free bool
}

// PaymentConfirmationFromEvent converts a verified webhook event.
func PaymentConfirmationFromEvent(ev *billing.PaymentEvent) PaymentConfirmation {
	pc := PaymentConfirmation{
		EventID:          ev.ID,
		SessionID:        ev.SessionID,
		PaymentReference: ev.PaymentReference,
		AmountMinor:      ev.AmountMinor,
		Currency:         ev.Currency,
	}
	if id, err := uuid.Parse(ev.OrderID); err == nil {
		pc.OrderID = id
	}
	return pc
}

// FinalizeOutcome names what FinalizePaidOrder did.
type FinalizeOutcome string

const (
	OutcomeAlreadyFinalized   FinalizeOutcome = "already_finalized"
	OutcomeStatusMismatch     FinalizeOutcome = "status_mismatch"
	OutcomeOrderClosed        FinalizeOutcome = "order_closed"
	OutcomePaymentMismatch    FinalizeOutcome = "payment_mismatch"
	OutcomeStockConfirmed     FinalizeOutcome = "stock_confirmed"
	OutcomeStockConfirmFailed FinalizeOutcome = "stock_confirm_failed"
)

// FinalizeResult is the outcome of FinalizePaidOrder.
type FinalizeResult struct {
	Order   *domain.Order
	Outcome FinalizeOutcome

	// Detail explains a mismatch or a confirmation failure.
	Detail string
}

type checkoutService struct {
	*orchestrator
}

// minSessionLifetime and maxSessionLifetime bound a gateway-side session expiry.
const (
	minSessionLifetime = 30 * time.Minute
	maxSessionLifetime = 24 * time.Hour
)

func (s *checkoutService) StartCheckout(ctx context.Context, orderID uuid.UUID) (_ *CheckoutResult, err error) {
	const op = "checkout.start"

	ctx, span := telemetry.StartSpan(ctx, "checkout.StartCheckout", attribute.String("order_id", orderID.String()))
	outcome := "failed"
	defer func() {
		telemetry.EndSpan(span, err)
		if telemetry.Business != nil {
			telemetry.Business.CheckoutSessions.WithLabelValues(outcome).Inc()
		}
	}()

	var (
		order    *domain.Order
		stale    string
		free     *FinalizeResult
		freeWork finalizeWork
	)
	err = s.store.WithinTx(ctx, func(q repository.Querier) error {
		o, err := loadOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderStatusPendingPayment {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotCheckoutable, o.ID, o.Status)
		}
		if o.Stock.Status != domain.StockStatusReserved {
			return fmt.Errorf("%w: stock is %s", ErrOrderNotCheckoutable, o.Stock.Status)
		}

		if err := s.pricing.RepriceTx(ctx, q, o); err != nil {
			return err
		}

		if o.Pricing.GrandTotalMinor == 0 {
			free, freeWork, err = s.finalizeTx(ctx, q, o, PaymentConfirmation{
				OrderID:  o.ID,
				Currency: o.Pricing.Currency,
				free:     true,
			})
			return err
		}

		if o.Payment.Status == domain.PaymentStatusPending && o.Payment.SessionID != "" {
			stale = o.Payment.SessionID
		}
		if stale != "" && sessionMatches(o) {
			order = o
			return nil
		}
		if o.Payment.SessionID != "" || o.Payment.CheckoutAttempt == "" {
			startAttempt(o)
			if err := s.saveOrder(ctx, q, o, op); err != nil {
				return err
			}
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	if free != nil {
		s.dispatch(ctx, freeWork.results, freeWork.messages)
		outcome = "free"
		return &CheckoutResult{Order: free.Order, Finalized: free}, nil
	}

	if stale != "" && order.Payment.SessionID == stale {
		outcome = "reused"
		return &CheckoutResult{
			Order:      order,
			SessionID:  order.Payment.SessionID,
			SessionURL: order.Payment.SessionURL,
			Reused:     true,
		}, nil
	}
	s.expireSession(ctx, order.ID, stale)

	items, err := checkoutLineItems(order)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	cs, err := s.gateway.CreateCheckoutSession(gctx, billing.CheckoutSessionParams{
		OrderID:        order.ID.String(),
		LineItems:      items,
		Currency:       order.Pricing.Currency,
		SuccessURL:     s.cfg.SuccessURL,
		CancelURL:      s.cfg.CancelURL,
		ExpiresAt:      s.sessionExpiry(order),
		Metadata:       map[string]string{"checkout_attempt": order.Payment.CheckoutAttempt},
		IdempotencyKey: checkoutIdempotencyKey(order),
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGatewayFailed, err)
	}

	err = s.store.WithinTx(ctx, func(q repository.Querier) error {
		o := order.Clone()
		o.Payment.Provider = s.cfg.PaymentProvider
		o.Payment.SessionID = cs.ID
		o.Payment.SessionURL = cs.URL
		o.Payment.SessionAmount = order.Pricing.GrandTotalMinor
		o.Payment.SessionCurrency = order.Pricing.Currency
		o.Payment.Status = domain.PaymentStatusPending
		o.Payment.LastError = ""
		o.UpdatedAt = s.now()

		ok, err := q.UpdateOrder(ctx, o, repository.OrderCondition{
			Status:  domain.OrderStatusPendingPayment,
			Version: order.Version,
		})
		if err != nil {
			return domain.Internal(err, op, "failed to save checkout session")
		}
		if !ok {
			recordConflict(op)
			return fmt.Errorf("%w: order %s changed during checkout", ErrOrderStatusConflict, order.ID)
		}
		order = o
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderStatusConflict) {
			if cur, ok := s.sessionSaved(ctx, orderID, cs.ID); ok {
				outcome = "reused"
				return &CheckoutResult{Order: cur, SessionID: cs.ID, SessionURL: cs.URL, Reused: true}, nil
			}
		}
		s.expireSession(ctx, orderID, cs.ID)
		s.retireAttempt(ctx, orderID, order.Payment.CheckoutAttempt)
		return nil, err
	}

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("session_id", cs.ID).
		Int64("amount", order.Payment.SessionAmount).
		Msg("checkout session created")
	outcome = "created"
	return &CheckoutResult{Order: order, SessionID: cs.ID, SessionURL: cs.URL}, nil
}

// sessionMatches reports whether the open session charges the current total.
func sessionMatches(o *domain.Order) bool {
	return o.Payment.SessionAmount == o.Pricing.GrandTotalMinor &&
		money.SameCurrency(o.Payment.SessionCurrency, o.Pricing.Currency)
}

func checkoutIdempotencyKey(o *domain.Order) string {
	return fmt.Sprintf("checkout:%s:%s:%d:%s", o.ID, o.Payment.CheckoutAttempt,
		o.Pricing.GrandTotalMinor, strings.ToLower(o.Pricing.Currency))
}

// startAttempt discards any recorded session and opens a new checkout attempt.
func startAttempt(o *domain.Order) {
	o.Payment.CheckoutAttempt = uuid.NewString()
	o.Payment.SessionID = ""
	o.Payment.SessionURL = ""
	o.Payment.SessionAmount = 0
	o.Payment.SessionCurrency = ""
}

// sessionSaved reports whether a concurrent checkout already stored sessionID.
func (s *checkoutService) sessionSaved(ctx context.Context, orderID uuid.UUID, sessionID string) (*domain.Order, bool) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false
	}
	return o, o.Payment.SessionID == sessionID
}

// retireAttempt replaces attempt after its session was expired, so the next
// checkout does not get the expired session back from the gateway.
func (s *checkoutService) retireAttempt(ctx context.Context, orderID uuid.UUID, attempt string) {
	err := s.store.WithinTx(ctx, func(q repository.Querier) error {
		o, err := q.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Payment.CheckoutAttempt != attempt || !o.Status.IsEditable() {
			return nil
		}
		startAttempt(o)
		return s.saveOrder(ctx, q, o, "checkout.retire_attempt")
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("order_id", orderID.String()).Msg("failed to retire checkout attempt")
	}
}

// sessionExpiry forwards the payment deadline when the gateway accepts it.
func (s *checkoutService) sessionExpiry(o *domain.Order) time.Time {
	if o.ExpiresAt == nil {
		return time.Time{}
	}
	left := o.ExpiresAt.Sub(s.now())
	if left < minSessionLifetime || left > maxSessionLifetime {
		return time.Time{}
	}
	return *o.ExpiresAt
}

// checkoutLineItems renders the repriced order as gateway lines. The order
// discount is spread over item lines, each line is charged at a whole unit
// price, and an adjustment line picks up the rounding so the lines sum to
// the grand total.
func checkoutLineItems(o *domain.Order) ([]billing.LineItem, error) {
	p := o.Pricing

	weights := make([]int64, len(o.Items))
	for i, it := range o.Items {
		weights[i] = it.LineTotalMinor
	}
	alloc := money.Allocate(p.DiscountTotalMinor, weights)

	var (
		lines []billing.LineItem
		sum   int64
	)
	for i, it := range o.Items {
		net := it.LineTotalMinor - alloc[i]
		if it.Quantity <= 0 || net <= 0 {
			continue
		}
		unit := net / it.Quantity
		if unit == 0 {
			continue
		}
		lines = append(lines, billing.LineItem{Name: it.Name, UnitAmountMinor: unit, Quantity: it.Quantity})
		sum += unit * it.Quantity
	}
	if p.ShippingMinor > 0 {
		name := "Shipping"
		if o.ShippingMethod != nil && o.ShippingMethod.Name != "" {
			name = "Shipping (" + o.ShippingMethod.Name + ")"
		}
		lines = append(lines, billing.LineItem{Name: name, UnitAmountMinor: p.ShippingMinor, Quantity: 1})
		sum += p.ShippingMinor
	}
	if p.TaxMinor > 0 {
		lines = append(lines, billing.LineItem{Name: "Tax", UnitAmountMinor: p.TaxMinor, Quantity: 1})
		sum += p.TaxMinor
	}

	adjust := p.GrandTotalMinor - sum
	if adjust < 0 {
		return nil, fmt.Errorf("%w: line items exceed total by %d", ErrInvalidLineItem, -adjust)
	}
	if adjust > 0 {
		lines = append(lines, billing.LineItem{Name: "Adjustment", UnitAmountMinor: adjust, Quantity: 1})
	}
	return lines, nil
}

func (s *checkoutService) FinalizePaidOrder(ctx context.Context, payment PaymentConfirmation) (_ *FinalizeResult, err error) {
	if err := s.requireTransactions(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "checkout.FinalizePaidOrder",
		attribute.String("session_id", payment.SessionID),
		attribute.String("event_id", payment.EventID))
	defer func() { telemetry.EndSpan(span, err) }()

	var (
		res  *FinalizeResult
		work finalizeWork
	)
	err = s.store.WithinTx(ctx, func(q repository.Querier) error {
		o, err := s.orderForPayment(ctx, q, payment)
		if err != nil {
			return err
		}
		res, work, err = s.finalizeTx(ctx, q, o, payment)
		return err
	})
	if err != nil {
		return nil, err
	}

	if telemetry.Business != nil {
		telemetry.Business.PaymentsFinalized.WithLabelValues(string(res.Outcome)).Inc()
	}
	s.dispatch(ctx, work.results, work.messages)
	if res.Outcome == OutcomeStatusMismatch || res.Outcome == OutcomeOrderClosed {
		telemetry.CaptureReconcile(errors.New(res.Detail), res.Order.ID.String(), map[string]interface{}{
			"session_id": payment.SessionID,
			"amount":     payment.AmountMinor,
		})
	}

	s.logger.Info().
		Str("order_id", res.Order.ID.String()).
		Str("outcome", string(res.Outcome)).
		Str("detail", res.Detail).
		Msg("payment finalized")
	return res, nil
}

func (s *checkoutService) orderForPayment(ctx context.Context, q repository.Querier, payment PaymentConfirmation) (*domain.Order, error) {
	if payment.SessionID != "" {
		o, err := q.GetOrderBySessionID(ctx, payment.SessionID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, domain.Internal(err, "checkout.finalize", "failed to load order by session")
		}
	}
	if payment.OrderID == uuid.Nil {
		return nil, fmt.Errorf("%w: session %s", ErrOrderNotFound, payment.SessionID)
	}
	return loadOrder(ctx, q, payment.OrderID)
}

// finalizeWork is what a finalization must dispatch after commit.
type finalizeWork struct {
	results  []*TransitionResult
	messages []outbox.Message
}

func (w *finalizeWork) add(res *TransitionResult) {
	if res != nil {
		w.results = append(w.results, res)
	}
}

// postPayment are the statuses an order reaches once its payment is applied.
var postPayment = map[domain.OrderStatus]bool{
	domain.OrderStatusPaid:              true,
	domain.OrderStatusPaymentReceived:   true,
	domain.OrderStatusConfirmed:         true,
	domain.OrderStatusStockConfirmed:    true,
	domain.OrderStatusShipped:           true,
	domain.OrderStatusDelivered:         true,
	domain.OrderStatusReturnRequested:   true,
	domain.OrderStatusRefundPending:     true,
	domain.OrderStatusPartiallyRefunded: true,
	domain.OrderStatusRefunded:          true,
}

func (s *checkoutService) finalizeTx(ctx context.Context, q repository.Querier, o *domain.Order, payment PaymentConfirmation) (*FinalizeResult, finalizeWork, error) {
	const op = "checkout.finalize"
	var work finalizeWork

	if postPayment[o.Status] || o.Stock.Status == domain.StockStatusConfirmed {
		return &FinalizeResult{Order: o, Outcome: OutcomeAlreadyFinalized}, work, nil
	}

	if o.Status.IsTerminal() {
		detail := fmt.Sprintf("payment received for %s order", o.Status)
		msg, err := jobs.NotifyPaymentIssue(notification(o, detail))
		work.messages = s.effects.add(work.messages, msg, err)
		return &FinalizeResult{Order: o, Outcome: OutcomeOrderClosed, Detail: detail}, work, nil
	}

	if o.Status != domain.OrderStatusPendingPayment {
		detail := fmt.Sprintf("payment received while order is %s", o.Status)
		o.Payment.Status = domain.PaymentStatusMismatch
		o.Payment.LastError = detail
		if payment.PaymentReference != "" {
			o.Payment.PaymentReference = payment.PaymentReference
		}
		if err := s.saveOrder(ctx, q, o, op); err != nil {
			return nil, work, err
		}
		msg, err := jobs.NotifyPaymentIssue(notification(o, detail))
		work.messages = s.effects.add(work.messages, msg, err)
		return &FinalizeResult{Order: o, Outcome: OutcomeStatusMismatch, Detail: detail}, work, nil
	}

	if detail := paymentMismatch(o, payment); detail != "" {
		if _, err := s.ledger.ReleaseReserved(ctx, q, o.ID, "payment mismatch"); err != nil {
			return nil, work, err
		}
		if err := s.discounts.ReleaseAll(ctx, q, o); err != nil {
			return nil, work, err
		}
		now := s.now()
		o.Stock.Status = domain.StockStatusReleased
		o.Stock.ReleasedAt = &now
		o.Payment.Status = domain.PaymentStatusMismatch
		o.Payment.PaymentReference = payment.PaymentReference
		o.Payment.LastError = detail
		if err := s.saveOrder(ctx, q, o, op); err != nil {
			return nil, work, err
		}
		msg, err := jobs.NotifyPaymentIssue(notification(o, detail))
		work.messages = s.effects.add(work.messages, msg, err)
		s.logger.Error().Str("order_id", o.ID.String()).Str("detail", detail).Msg("payment does not match order")
		return &FinalizeResult{Order: o, Outcome: OutcomePaymentMismatch, Detail: detail}, work, nil
	}

	o.Payment.Status = domain.PaymentStatusCaptured
	o.Payment.PaymentReference = payment.PaymentReference
	o.Payment.CapturedMinor = payment.AmountMinor
	o.Payment.CapturedCurrency = o.Pricing.Currency
	o.Payment.LastError = ""
	if payment.free {
		o.Payment.Provider = "none"
	}

	actor := ActorWebhook
	if payment.free {
		actor = ActorSystem
	}
	meta := map[string]string{}
	if payment.EventID != "" {
		meta["event_id"] = payment.EventID
	}

	res, err := s.status.Apply(ctx, q, o, TransitionParams{
		OrderID: o.ID, From: domain.OrderStatusPendingPayment, To: domain.OrderStatusPaid,
		Actor: actor, Metadata: meta,
	})
	if err != nil {
		return nil, work, err
	}
	work.add(res)

	res, err = s.status.Apply(ctx, q, o, TransitionParams{
		OrderID: o.ID, From: domain.OrderStatusPaid, To: domain.OrderStatusPaymentReceived, Actor: actor,
	})
	if err != nil {
		return nil, work, err
	}
	work.add(res)

	confirmed, detail, err := s.confirmStock(ctx, q, o, actor, &work)
	if err != nil {
		return nil, work, err
	}
	if !confirmed {
		return &FinalizeResult{Order: o, Outcome: OutcomeStockConfirmFailed, Detail: detail}, work, nil
	}
	return &FinalizeResult{Order: o, Outcome: OutcomeStockConfirmed}, work, nil
}

// paymentMismatch describes how payment differs from what the order expects.
func paymentMismatch(o *domain.Order, payment PaymentConfirmation) string {
	if !payment.free && payment.SessionID != o.Payment.SessionID {
		return fmt.Sprintf("session %q does not match order session %q", payment.SessionID, o.Payment.SessionID)
	}
	if payment.AmountMinor != o.Pricing.GrandTotalMinor {
		return fmt.Sprintf("paid %d, order total %d", payment.AmountMinor, o.Pricing.GrandTotalMinor)
	}
	if !money.SameCurrency(payment.Currency, o.Pricing.Currency) {
		return fmt.Sprintf("paid in %q, order currency %q", payment.Currency, o.Pricing.Currency)
	}
	return ""
}

// confirmStock attempts payment_received → stock_confirmed in a savepoint.
// A stock failure is recorded on the order and reported as not confirmed;
// only a concurrent status change is returned as an error.
func (s *checkoutService) confirmStock(ctx context.Context, q repository.Querier, o *domain.Order, actor string, work *finalizeWork) (bool, string, error) {
	res, err := s.status.Apply(ctx, q, o, TransitionParams{
		OrderID: o.ID,
		To:      domain.OrderStatusStockConfirmed,
		Actor:   actor,
	})
	if errors.Is(err, ErrOrderStatusConflict) {
		return false, "", err
	}
	if err != nil {
		o.Stock.Status = domain.StockStatusConfirmFailed
		o.Stock.Attempts++
		o.Stock.LastError = err.Error()
		if serr := s.saveOrder(ctx, q, o, "checkout.confirm_stock"); serr != nil {
			return false, "", serr
		}
		s.logger.Warn().
			Err(err).
			Str("order_id", o.ID.String()).
			Int("attempts", o.Stock.Attempts).
			Msg("stock confirmation failed")
		return false, err.Error(), nil
	}
	work.add(res)

	if err := s.discounts.ConfirmAll(ctx, q, o); err != nil {
		s.logger.Warn().Err(err).Str("order_id", o.ID.String()).Msg("failed to confirm discounts, deferring")
		msg, merr := jobs.ConfirmDiscount(jobs.ConfirmDiscountPayload{OrderID: o.ID})
		work.messages = s.effects.add(work.messages, msg, merr)
	}

	msg, merr := jobs.NotifyOrderPaid(notification(o, ""))
	work.messages = s.effects.add(work.messages, msg, merr)
	return true, "", nil
}

// saveOrder writes o under its current status and version.
func (s *checkoutService) saveOrder(ctx context.Context, q repository.Querier, o *domain.Order, op string) error {
	o.UpdatedAt = s.now()
	ok, err := q.UpdateOrder(ctx, o, repository.OrderCondition{Status: o.Status, Version: o.Version})
	if err != nil {
		return domain.Internal(err, op, "failed to save order")
	}
	if !ok {
		recordConflict(op)
		return fmt.Errorf("%w: order %s", ErrOrderStatusConflict, o.ID)
	}
	return nil
}
