package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	t.Setenv("ENV", "dev")
	t.Setenv("DATABASE_DRIVER", "memory")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, uint16(3000), cfg.Port)
	assert.Equal(t, "USD", cfg.Orders.Currency)
	assert.Equal(t, 30*time.Minute, cfg.Orders.PaymentTTL)
	assert.Equal(t, 720*time.Hour, cfg.Orders.RefundWindow)
	assert.True(t, cfg.Orders.StrictTransactions)
	assert.Equal(t, 15*time.Second, cfg.Orders.GatewayTimeout)
	assert.Equal(t, "http://localhost:3000/checkout/cancel", cfg.Orders.CancelURL)
	assert.Equal(t, 72*time.Hour, cfg.Redis.DedupeTTL)
	assert.Equal(t, time.Minute, cfg.Worker.ReconcileInterval)
}

func TestNewConfig_Overrides(t *testing.T) {
	t.Setenv("ENV", "dev")
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("OUTBOX_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TAX_PROVIDER", "percentage")
	t.Setenv("TAX_RATE", "0.08")
	t.Setenv("TAX_CITY_RATES", "Portland=0.1,bogus")
	t.Setenv("ORDER_PAYMENT_TTL", "45m")
	t.Setenv("LOG_LEVEL", "loud")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Outbox.KafkaBrokers)
	assert.Equal(t, map[string]string{"Portland": "0.1"}, cfg.Tax.CityRates)
	assert.Equal(t, 45*time.Minute, cfg.Orders.PaymentTTL)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:      "dev",
			Database: DatabaseConfig{Driver: "postgres", URL: "postgres://localhost/ordercore"},
			Tax:      TaxConfig{Provider: "none"},
			Outbox:   OutboxConfig{Driver: "memory"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "memory store in prod", mutate: func(c *Config) {
			c.Env = "prod"
			c.Database.Driver = "memory"
			c.Stripe.APIKey, c.Stripe.WebhookSecret = "sk_live_x", "whsec_x"
		}, wantErr: "not allowed in prod"},
		{name: "prod requires stripe", mutate: func(c *Config) { c.Env = "prod" }, wantErr: "API key is required"},
		{name: "percentage without rate", mutate: func(c *Config) { c.Tax.Provider = "percentage" }, wantErr: "TAX_RATE"},
		{name: "nats without url", mutate: func(c *Config) { c.Outbox.Driver = "nats" }, wantErr: "NATS_URL"},
		{name: "unknown outbox", mutate: func(c *Config) { c.Outbox.Driver = "sqs" }, wantErr: "unknown OUTBOX_DRIVER"},
		{name: "sentry without dsn", mutate: func(c *Config) { c.Sentry.Enabled = true }, wantErr: "SENTRY_DSN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
