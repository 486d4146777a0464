// Package webhook receives payment gateway events.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dukerupert/ordercore/internal/billing"
	"github.com/dukerupert/ordercore/internal/cache"
	"github.com/dukerupert/ordercore/internal/domain"
	"github.com/dukerupert/ordercore/internal/handler"
	"github.com/dukerupert/ordercore/internal/service"
	"github.com/dukerupert/ordercore/internal/telemetry"
)

// maxPayloadBytes caps the webhook body. Stripe events are well below it.
const maxPayloadBytes = 64 << 10

// StripeHandler handles Stripe webhook events.
type StripeHandler struct {
	gateway  billing.Gateway
	checkout service.CheckoutService
	seen     cache.Deduper
	config   StripeWebhookConfig
	logger   zerolog.Logger
}

// StripeWebhookConfig contains configuration for Stripe webhook handling.
type StripeWebhookConfig struct {
	// DedupeTTL is how long a processed event id is remembered.
	// Stripe retries for up to three days.
	DedupeTTL time.Duration
}

// NewStripeHandler creates a new Stripe webhook handler. A nil seen
// disables event dedupe; FinalizePaidOrder is idempotent either way.
func NewStripeHandler(gateway billing.Gateway, checkout service.CheckoutService, seen cache.Deduper, config StripeWebhookConfig, logger zerolog.Logger) *StripeHandler {
	if config.DedupeTTL <= 0 {
		config.DedupeTTL = 72 * time.Hour
	}
	return &StripeHandler{
		gateway:  gateway,
		checkout: checkout,
		seen:     seen,
		config:   config,
		logger:   logger.With().Str("component", "stripe_webhook").Logger(),
	}
}

// Register mounts the handler on e.
func (h *StripeHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/stripe", h.HandleWebhook)
}

// HandleWebhook verifies and applies one event.
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:3000/webhooks/stripe
//	stripe trigger checkout.session.completed
//
// Returns 400 for an unverifiable payload, 500 when processing failed and
// the event should be redelivered, and 200 otherwise.
func (h *StripeHandler) HandleWebhook(c echo.Context) error {
	start := time.Now()
	ctx := c.Request().Context()

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPayloadBytes))
	if err != nil {
		return handler.ErrorResponse(c, domain.Invalid("webhook.read", "error reading request body"))
	}

	signature := c.Request().Header.Get("Stripe-Signature")
	if signature == "" {
		h.recordFailure("unknown", "missing_signature")
		return handler.ErrorResponse(c, domain.Invalid("webhook.verify", "missing signature"))
	}

	event, err := h.gateway.ParseWebhookEvent(payload, signature)
	if err != nil {
		reason := "invalid_payload"
		if errors.Is(err, billing.ErrInvalidWebhookSignature) {
			reason = "invalid_signature"
		}
		h.recordFailure("unknown", reason)
		h.logger.Warn().Err(err).Int("payload_bytes", len(payload)).Msg("webhook rejected")
		return handler.ErrorResponse(c, domain.Invalid("webhook.verify", "invalid webhook payload"))
	}

	log := h.logger.With().Str("event_id", event.ID).Str("event_type", event.Type).Logger()
	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(event.Type).Inc()
		defer func() {
			telemetry.Business.WebhookLatency.WithLabelValues(event.Type).Observe(time.Since(start).Seconds())
		}()
	}

	if h.seen != nil && event.ID != "" {
		first, err := h.seen.MarkSeen(ctx, event.ID, h.config.DedupeTTL)
		if err != nil {
			// Processing is idempotent, so a cache outage only costs a repeat.
			log.Warn().Err(err).Msg("webhook dedupe unavailable")
		} else if !first {
			log.Debug().Msg("duplicate webhook event acknowledged")
			return c.JSON(http.StatusOK, ack{Received: true, Duplicate: true})
		}
	}

	if !event.IsPaymentSuccess() {
		log.Info().Bool("paid", event.Paid).Msg("webhook event ignored")
		return c.JSON(http.StatusOK, ack{Received: true})
	}

	res, err := h.checkout.FinalizePaidOrder(ctx, service.PaymentConfirmationFromEvent(event))
	if err != nil {
		if redeliver(err) {
			h.forget(ctx, event.ID, log)
			h.recordFailure(event.Type, domain.ErrorCode(err))
			log.Error().Err(err).Msg("webhook processing failed")
			return handler.ErrorResponse(c, err)
		}
		h.recordFailure(event.Type, domain.ErrorCode(err))
		log.Warn().Err(err).Msg("webhook event could not be applied")
		return c.JSON(http.StatusOK, ack{Received: true})
	}

	log.Info().
		Str("order_id", res.Order.ID.String()).
		Str("outcome", string(res.Outcome)).
		Msg("webhook event applied")
	return c.JSON(http.StatusOK, ack{Received: true, Outcome: string(res.Outcome)})
}

type ack struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// redeliver reports whether the gateway should retry the event. Permanent
// failures such as an unknown order are acknowledged so they stop retrying.
func redeliver(err error) bool {
	switch domain.ErrorCode(err) {
	case domain.ENOTFOUND, domain.EINVALID, domain.EGONE:
		return false
	}
	return true
}

func (h *StripeHandler) forget(ctx context.Context, eventID string, log zerolog.Logger) {
	if h.seen == nil || eventID == "" {
		return
	}
	if err := h.seen.Forget(ctx, eventID); err != nil {
		log.Warn().Err(err).Msg("failed to forget webhook event")
	}
}

func (h *StripeHandler) recordFailure(eventType, reason string) {
	if telemetry.Business != nil {
		telemetry.Business.WebhookFailed.WithLabelValues(eventType, reason).Inc()
	}
}
