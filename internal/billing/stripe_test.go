package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func newTestStripeGateway(t *testing.T) *StripeGateway {
	t.Helper()
	gw, err := NewStripeGateway(StripeConfig{
		APIKey:        "sk_test_123",
		WebhookSecret: testWebhookSecret,
	})
	require.NoError(t, err)
	return gw
}

func signedPayload(t *testing.T, payload string) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header, signed.Payload
}

func TestStripeConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     StripeConfig
		wantErr bool
	}{
		{name: "valid", cfg: StripeConfig{APIKey: "sk_test_1", WebhookSecret: "whsec_1"}},
		{name: "missing api key", cfg: StripeConfig{WebhookSecret: "whsec_1"}, wantErr: true},
		{name: "missing webhook secret", cfg: StripeConfig{APIKey: "sk_test_1"}, wantErr: true},
		{name: "negative retries", cfg: StripeConfig{APIKey: "sk_test_1", WebhookSecret: "whsec_1", MaxRetries: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStripeConfig_IsTestModeAndTimeout(t *testing.T) {
	cfg := StripeConfig{APIKey: "sk_test_abc"}
	assert.True(t, cfg.IsTestMode())
	assert.Equal(t, 15*time.Second, cfg.Timeout())

	cfg = StripeConfig{APIKey: "sk_live_abc", TimeoutSeconds: 5}
	assert.False(t, cfg.IsTestMode())
	assert.Equal(t, 5*time.Second, cfg.Timeout())
}

func TestStripeGateway_ParseWebhookEvent(t *testing.T) {
	gw := newTestStripeGateway(t)

	tests := []struct {
		name        string
		payload     string
		badSig      bool
		wantErr     error
		wantSuccess bool
		check       func(t *testing.T, ev *PaymentEvent)
	}{
		{
			name: "completed and paid session",
			payload: `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{
				"id":"cs_123","object":"checkout.session","client_reference_id":"order-1",
				"amount_total":3300,"currency":"usd","payment_status":"paid","payment_intent":"pi_123",
				"metadata":{"order_id":"order-1"}}}}`,
			wantSuccess: true,
			check: func(t *testing.T, ev *PaymentEvent) {
				assert.Equal(t, "evt_1", ev.ID)
				assert.Equal(t, "cs_123", ev.SessionID)
				assert.Equal(t, "order-1", ev.OrderID)
				assert.Equal(t, "pi_123", ev.PaymentReference)
				assert.Equal(t, int64(3300), ev.AmountMinor)
				assert.Equal(t, "usd", ev.Currency)
			},
		},
		{
			name: "completed but unpaid session",
			payload: `{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{
				"id":"cs_124","object":"checkout.session","amount_total":100,"currency":"usd",
				"payment_status":"unpaid","metadata":{"order_id":"order-2"}}}}`,
			wantSuccess: false,
			check: func(t *testing.T, ev *PaymentEvent) {
				assert.Equal(t, "order-2", ev.OrderID, "falls back to metadata")
				assert.Empty(t, ev.PaymentReference)
			},
		},
		{
			name:    "unsupported event",
			payload: `{"id":"evt_3","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice"}}}`,
			wantErr: ErrUnsupportedEvent,
		},
		{
			name:    "bad signature",
			payload: `{"id":"evt_4","object":"event","type":"checkout.session.completed","data":{"object":{}}}`,
			badSig:  true,
			wantErr: ErrInvalidWebhookSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, body := signedPayload(t, tt.payload)
			if tt.badSig {
				header = "t=1,v1=deadbeef"
			}

			ev, err := gw.ParseWebhookEvent(body, header)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSuccess, ev.IsPaymentSuccess())
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

func TestWrapStripeError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTemporary bool
		wantNotFound  bool
		wantIs        error
	}{
		{
			name:          "rate limit",
			err:           &stripe.Error{Msg: "slow down", Code: "rate_limit", HTTPStatusCode: 429},
			wantTemporary: true,
		},
		{
			name:         "missing resource",
			err:          &stripe.Error{Msg: "No such session", Code: "resource_missing", HTTPStatusCode: 404},
			wantNotFound: true,
		},
		{
			name:   "idempotency conflict",
			err:    &stripe.Error{Msg: "Keys for idempotent requests can only be used with the same parameters", Type: stripe.ErrorTypeIdempotency, HTTPStatusCode: 400},
			wantIs: ErrIdempotencyConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapStripeError(tt.err)

			var se *StripeError
			require.True(t, errors.As(wrapped, &se))
			assert.Equal(t, tt.wantTemporary, se.IsTemporary())
			assert.Equal(t, tt.wantNotFound, se.IsNotFound())
			if tt.wantIs != nil {
				assert.ErrorIs(t, wrapped, tt.wantIs)
			}
		})
	}

	t.Run("non-stripe errors pass through", func(t *testing.T) {
		err := fmt.Errorf("dial tcp: timeout")
		assert.Same(t, err, wrapStripeError(err))
	})
}

func TestMockGateway_IdempotentSessions(t *testing.T) {
	m := NewMockGateway()
	ctx := context.Background()

	params := CheckoutSessionParams{
		OrderID: "order-1",
		LineItems: []LineItem{
			{Name: "Widget", UnitAmountMinor: 1000, Quantity: 3},
			{Name: "Shipping", UnitAmountMinor: 500, Quantity: 1},
		},
		Currency:       "usd",
		IdempotencyKey: "checkout:order-1:3:3500",
	}

	first, err := m.CreateCheckoutSession(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(3500), first.AmountTotal)

	second, err := m.CreateCheckoutSession(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, m.Sessions, 1)
	assert.Equal(t, 2, m.CallCount("CreateCheckoutSession"))
}

func TestMockGateway_Refunds(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(*MockGateway)
		wantErr   bool
	}{
		{
			name:      "default refund succeeds",
			setupMock: func(m *MockGateway) {},
		},
		{
			name: "custom failure is returned and not cached",
			setupMock: func(m *MockGateway) {
				m.CreateRefundFunc = func(ctx context.Context, params RefundParams) (*Refund, error) {
					return nil, &StripeError{Message: "charge already refunded", Code: "charge_already_refunded"}
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMockGateway()
			tt.setupMock(m)

			params := RefundParams{PaymentReference: "pi_1", AmountMinor: 500, IdempotencyKey: "refund:o:k"}
			r, err := m.CreateRefund(context.Background(), params)
			if tt.wantErr {
				require.Error(t, err)
				assert.Empty(t, m.Refunds)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(500), r.AmountMinor)

			again, err := m.CreateRefund(context.Background(), params)
			require.NoError(t, err)
			assert.Equal(t, r.ID, again.ID)
			assert.Len(t, m.Refunds, 1)
		})
	}
}

func TestMockGateway_ParseWebhookEvent(t *testing.T) {
	m := NewMockGateway()

	_, err := m.ParseWebhookEvent([]byte(`{}`), "")
	assert.ErrorIs(t, err, ErrInvalidWebhookSignature)

	ev, err := m.ParseWebhookEvent([]byte(`{"ID":"evt_1","Type":"checkout.session.completed","SessionID":"cs_1","Paid":true}`), "sig")
	require.NoError(t, err)
	assert.True(t, ev.IsPaymentSuccess())
	assert.Equal(t, "cs_1", ev.SessionID)
}
