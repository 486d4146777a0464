package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dukerupert/ordercore/internal/telemetry"
)

// StripeGateway implements Gateway using Stripe Checkout.
type StripeGateway struct {
	webhookSecret string
	timeout       time.Duration
}

// NewStripeGateway configures the Stripe SDK and returns a gateway.
// The SDK key and backend are process-global.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stripe.Key = cfg.APIKey
	retries := int64(cfg.MaxRetries)
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout()},
		MaxNetworkRetries: stripe.Int64(retries),
	}))

	return &StripeGateway{
		webhookSecret: cfg.WebhookSecret,
		timeout:       cfg.Timeout(),
	}, nil
}

// CreateCheckoutSession creates a payment-mode Checkout Session with inline prices.
func (s *StripeGateway) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (_ *CheckoutSession, err error) {
	ctx, span := telemetry.StartSpan(ctx, "stripe.checkout_session.create",
		attribute.String("order_id", params.OrderID))
	defer func() { telemetry.EndSpan(span, err) }()
	defer observeLatency("checkout_session.create", time.Now())

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	currency := strings.ToLower(params.Currency)
	items := make([]*stripe.CheckoutSessionLineItemParams, 0, len(params.LineItems))
	for _, li := range params.LineItems {
		items = append(items, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(li.UnitAmountMinor),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(li.Name),
				},
			},
			Quantity: stripe.Int64(li.Quantity),
		})
	}

	metadata := make(map[string]string, len(params.Metadata)+1)
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	metadata["order_id"] = params.OrderID

	sp := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems:         items,
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.OrderID),
		Metadata:          metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if !params.ExpiresAt.IsZero() {
		sp.ExpiresAt = stripe.Int64(params.ExpiresAt.Unix())
	}
	sp.Context = ctx
	if params.IdempotencyKey != "" {
		sp.SetIdempotencyKey(params.IdempotencyKey)
	}

	cs, err := session.New(sp)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return &CheckoutSession{
		ID:          cs.ID,
		URL:         cs.URL,
		AmountTotal: cs.AmountTotal,
		Currency:    string(cs.Currency),
	}, nil
}

// ExpireSession expires an open Checkout Session. An unknown session is
// treated as already expired.
func (s *StripeGateway) ExpireSession(ctx context.Context, sessionID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "stripe.checkout_session.expire",
		attribute.String("session_id", sessionID))
	defer func() { telemetry.EndSpan(span, err) }()
	defer observeLatency("checkout_session.expire", time.Now())

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := session.Expire(sessionID, params); err != nil {
		wrapped := wrapStripeError(err)
		var se *StripeError
		if errors.As(wrapped, &se) && se.IsNotFound() {
			return nil
		}
		return wrapped
	}
	return nil
}

// CreateRefund refunds a PaymentIntent.
func (s *StripeGateway) CreateRefund(ctx context.Context, params RefundParams) (_ *Refund, err error) {
	ctx, span := telemetry.StartSpan(ctx, "stripe.refund.create",
		attribute.String("payment_reference", params.PaymentReference),
		attribute.Int64("amount", params.AmountMinor))
	defer func() { telemetry.EndSpan(span, err) }()
	defer observeLatency("refund.create", time.Now())

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rp := &stripe.RefundParams{
		PaymentIntent: stripe.String(params.PaymentReference),
		Amount:        stripe.Int64(params.AmountMinor),
		Metadata:      params.Metadata,
	}
	if params.Reason != "" {
		rp.Reason = stripe.String(params.Reason)
	}
	rp.Context = ctx
	if params.IdempotencyKey != "" {
		rp.SetIdempotencyKey(params.IdempotencyKey)
	}

	r, err := refund.New(rp)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return nil, fmt.Errorf("%w: refund %s is %s", ErrRefundFailed, r.ID, r.Status)
	}

	return &Refund{
		ID:          r.ID,
		AmountMinor: r.Amount,
		Status:      string(r.Status),
	}, nil
}

// ParseWebhookEvent verifies a Stripe-Signature header and decodes the
// checkout session carried by the event.
func (s *StripeGateway) ParseWebhookEvent(payload []byte, signature string) (*PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}

	if !strings.HasPrefix(string(event.Type), "checkout.session.") || event.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("billing: decode checkout session: %w", err)
	}

	ev := &PaymentEvent{
		ID:          event.ID,
		Type:        string(event.Type),
		SessionID:   cs.ID,
		OrderID:     cs.ClientReferenceID,
		AmountMinor: cs.AmountTotal,
		Currency:    string(cs.Currency),
		Paid:        cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Metadata:    cs.Metadata,
	}
	if cs.PaymentIntent != nil {
		ev.PaymentReference = cs.PaymentIntent.ID
	}
	if ev.OrderID == "" {
		ev.OrderID = cs.Metadata["order_id"]
	}
	return ev, nil
}

// wrapStripeError converts SDK errors to StripeError.
func wrapStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}

	wrapped := &StripeError{
		Message:       se.Msg,
		Code:          string(se.Code),
		Type:          string(se.Type),
		DeclineCode:   string(se.DeclineCode),
		StatusCode:    se.HTTPStatusCode,
		RequestID:     se.RequestID,
		OriginalError: err,
	}
	if se.Type == stripe.ErrorTypeIdempotency {
		return fmt.Errorf("%w: %w", ErrIdempotencyConflict, wrapped)
	}
	return wrapped
}

func observeLatency(operation string, start time.Time) {
	if telemetry.Business == nil {
		return
	}
	telemetry.Business.GatewayLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
