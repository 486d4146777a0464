package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockGateway is a mock payment gateway for testing.
// Simulates Stripe Checkout without calling the Stripe API. Repeated calls
// with the same idempotency key return the first result, as Stripe does.
type MockGateway struct {
	// CreateCheckoutSessionFunc allows customizing session creation behavior
	CreateCheckoutSessionFunc func(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)

	// ExpireSessionFunc allows customizing session expiry behavior
	ExpireSessionFunc func(ctx context.Context, sessionID string) error

	// CreateRefundFunc allows customizing refund behavior
	CreateRefundFunc func(ctx context.Context, params RefundParams) (*Refund, error)

	// ParseWebhookEventFunc allows customizing webhook decoding behavior
	ParseWebhookEventFunc func(payload []byte, signature string) (*PaymentEvent, error)

	// Sessions stores created sessions by id
	Sessions map[string]*CheckoutSession

	// Expired records expired session ids
	Expired map[string]bool

	// Refunds stores created refunds by id
	Refunds map[string]*Refund

	// CallLog tracks method calls for test assertions
	CallLog []string

	mu          sync.Mutex
	sessionKeys map[string]*CheckoutSession
	refundKeys  map[string]*Refund
}

// NewMockGateway creates a new mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Sessions:    make(map[string]*CheckoutSession),
		Expired:     make(map[string]bool),
		Refunds:     make(map[string]*Refund),
		CallLog:     []string{},
		sessionKeys: make(map[string]*CheckoutSession),
		refundKeys:  make(map[string]*Refund),
	}
}

// CreateCheckoutSession creates a mock session whose total is the sum of its line items.
func (m *MockGateway) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, li := range params.LineItems {
		total += li.Total()
	}
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateCheckoutSession(%s, %d, %s)", params.OrderID, total, params.Currency))

	if cs, ok := m.sessionKeys[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		return cs, nil
	}

	var (
		cs  *CheckoutSession
		err error
	)
	if m.CreateCheckoutSessionFunc != nil {
		cs, err = m.CreateCheckoutSessionFunc(ctx, params)
	} else {
		id := "cs_test_" + uuid.New().String()[:8]
		cs = &CheckoutSession{
			ID:          id,
			URL:         "https://checkout.stripe.test/pay/" + id,
			AmountTotal: total,
			Currency:    params.Currency,
		}
	}
	if err != nil {
		return nil, err
	}

	m.Sessions[cs.ID] = cs
	if params.IdempotencyKey != "" {
		m.sessionKeys[params.IdempotencyKey] = cs
	}
	return cs, nil
}

// ExpireSession marks a mock session expired.
func (m *MockGateway) ExpireSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("ExpireSession(%s)", sessionID))

	if m.ExpireSessionFunc != nil {
		if err := m.ExpireSessionFunc(ctx, sessionID); err != nil {
			return err
		}
	}
	m.Expired[sessionID] = true
	return nil
}

// CreateRefund creates a mock succeeded refund.
func (m *MockGateway) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateRefund(%s, %d)", params.PaymentReference, params.AmountMinor))

	if r, ok := m.refundKeys[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		return r, nil
	}

	var (
		r   *Refund
		err error
	)
	if m.CreateRefundFunc != nil {
		r, err = m.CreateRefundFunc(ctx, params)
	} else {
		r = &Refund{
			ID:          "re_test_" + uuid.New().String()[:8],
			AmountMinor: params.AmountMinor,
			Status:      "succeeded",
		}
	}
	if err != nil {
		return nil, err
	}

	m.Refunds[r.ID] = r
	if params.IdempotencyKey != "" {
		m.refundKeys[params.IdempotencyKey] = r
	}
	return r, nil
}

// ParseWebhookEvent decodes payload as a JSON PaymentEvent. Any non-empty
// signature verifies.
func (m *MockGateway) ParseWebhookEvent(payload []byte, signature string) (*PaymentEvent, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, "ParseWebhookEvent")
	fn := m.ParseWebhookEventFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(payload, signature)
	}

	if signature == "" {
		return nil, ErrInvalidWebhookSignature
	}
	var ev PaymentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("billing: decode mock event: %w", err)
	}
	return &ev, nil
}

// Calls returns a copy of the call log.
func (m *MockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// CallCount returns how many logged calls start with prefix.
func (m *MockGateway) CallCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.CallLog {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
