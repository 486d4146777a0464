package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for the order engine.
type BusinessMetrics struct {
	// Orders
	OrdersCreated    *prometheus.CounterVec
	OrderTransitions *prometheus.CounterVec
	OrderValue       *prometheus.HistogramVec
	RepricesTotal    *prometheus.CounterVec
	OrdersCancelled  *prometheus.CounterVec
	StatusConflicts  *prometheus.CounterVec

	// Inventory
	StockOperations *prometheus.CounterVec

	// Discounts
	DiscountReservations *prometheus.CounterVec

	// Checkout and payment
	CheckoutSessions  *prometheus.CounterVec
	PaymentsFinalized *prometheus.CounterVec

	// Refunds
	RefundsIssued *prometheus.CounterVec
	RefundAmount  *prometheus.CounterVec

	// Webhooks
	WebhookReceived *prometheus.CounterVec
	WebhookFailed   *prometheus.CounterVec
	WebhookLatency  *prometheus.HistogramVec

	// Background work
	SweepRuns       *prometheus.CounterVec
	SweepOrders     *prometheus.CounterVec
	OutboxPublished *prometheus.CounterVec

	// External API performance
	GatewayLatency *prometheus.HistogramVec
}

// NewBusinessMetrics creates the metrics and registers them on reg.
// A nil reg uses the default registerer.
func NewBusinessMetrics(namespace string, reg prometheus.Registerer) *BusinessMetrics {
	if namespace == "" {
		namespace = "ordercore"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	f := promauto.With(reg)
	subsystem := "business"

	m := &BusinessMetrics{
		// =======================================================================
		// Orders
		// =======================================================================
		OrdersCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "orders_created_total",
				Help:      "Total draft orders created",
			},
			[]string{"guest"},
		),
		OrderTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "order_transitions_total",
				Help:      "Committed order status transitions",
			},
			[]string{"from", "to"},
		),
		OrderValue: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "order_value_minor",
				Help:      "Grand total of paid orders in minor units",
				Buckets:   []float64{500, 1000, 2500, 5000, 10000, 25000, 50000, 100000},
			},
			[]string{"currency"},
		),
		RepricesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reprices_total",
				Help:      "Order reprice attempts by result",
			},
			[]string{"result"},
		),
		OrdersCancelled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "orders_cancelled_total",
				Help:      "Cancelled orders by actor",
			},
			[]string{"actor"}, // actor: customer, admin, sweep
		),
		StatusConflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "order_status_conflicts_total",
				Help:      "Order writes rejected by the status/version precondition",
			},
			[]string{"op"},
		),

		// =======================================================================
		// Inventory
		// =======================================================================
		StockOperations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "stock_operations_total",
				Help:      "Stock ledger operations by result code",
			},
			[]string{"op", "result"}, // op: reserve, confirm, release, restore
		),

		// =======================================================================
		// Discounts
		// =======================================================================
		DiscountReservations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "discount_reservations_total",
				Help:      "Coupon and promotion usage reservations by result",
			},
			[]string{"kind", "op", "result"},
		),

		// =======================================================================
		// Checkout and Payment
		// =======================================================================
		CheckoutSessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "checkout_sessions_total",
				Help:      "Checkout starts by outcome",
			},
			[]string{"outcome"}, // outcome: created, reused, free, failed
		),
		PaymentsFinalized: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payments_finalized_total",
				Help:      "Payment completion events by outcome",
			},
			[]string{"outcome"},
		),

		// =======================================================================
		// Refunds
		// =======================================================================
		RefundsIssued: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refunds_issued_total",
				Help:      "Refund attempts by result",
			},
			[]string{"result"}, // result: succeeded, failed, reconcile
		),
		RefundAmount: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refund_amount_minor",
				Help:      "Total refunded amount in minor units",
			},
			[]string{"currency"},
		),

		// =======================================================================
		// Webhooks
		// =======================================================================
		WebhookReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_received_total",
				Help:      "Total webhooks received from the payment gateway",
			},
			[]string{"event_type"},
		),
		WebhookFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_failed_total",
				Help:      "Total webhook processing failures",
			},
			[]string{"event_type", "reason"},
		),
		WebhookLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duration_seconds",
				Help:      "Webhook processing duration",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"event_type"},
		),

		// =======================================================================
		// Background Work
		// =======================================================================
		SweepRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_runs_total",
				Help:      "Sweep executions by sweep name",
			},
			[]string{"sweep"},
		),
		SweepOrders: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_orders_total",
				Help:      "Orders handled by sweeps",
			},
			[]string{"sweep", "result"}, // result: ok, failed, skipped
		),
		OutboxPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "outbox_published_total",
				Help:      "Side-effect messages enqueued by topic and result",
			},
			[]string{"topic", "result"},
		),

		// =======================================================================
		// External API Performance
		// =======================================================================
		GatewayLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "gateway_api_duration_seconds",
				Help:      "Payment gateway call duration",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"}, // operation: create_session, expire_session, create_refund
		),
	}

	return m
}

// Global instance for easy access from services
var Business *BusinessMetrics

// InitBusinessMetrics initializes the global business metrics instance
func InitBusinessMetrics(namespace string) *BusinessMetrics {
	Business = NewBusinessMetrics(namespace, nil)
	return Business
}
