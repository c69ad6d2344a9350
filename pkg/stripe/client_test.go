package stripe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/truvoice-backend/pkg/config"
)

func validStripeConfig() config.StripeConfig {
	return config.StripeConfig{
		APIKey:          "sk_test_123",
		Secret:          "whsec_abc",
		Env:             "test",
		MonthlyPriceID:  " price_monthly ",
		AnnualPriceID:   "price_annual",
		PortalReturnURL: "https://app.truvoice.test/settings/billing",
	}
}

func TestNewClientCarriesBillingSettings(t *testing.T) {
	c, err := NewClient(context.Background(), validStripeConfig(), nil)
	require.NoError(t, err)

	assert.Equal(t, Prices{Monthly: "price_monthly", Annual: "price_annual"}, c.Prices())
	assert.Equal(t, "https://app.truvoice.test/settings/billing", c.PortalReturnURL())
	assert.Equal(t, defaultWebhookBodyLimit, c.WebhookBodyLimit())
	assert.Equal(t, "test", c.Environment())
}

func TestNewClientRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.StripeConfig)
	}{
		{"live key in test env", func(c *config.StripeConfig) { c.APIKey = "sk_live_123" }},
		{"unknown env", func(c *config.StripeConfig) { c.Env = "staging" }},
		{"missing secret", func(c *config.StripeConfig) { c.Secret = "" }},
		{"secret without prefix", func(c *config.StripeConfig) { c.Secret = "abc" }},
		{"price without prefix", func(c *config.StripeConfig) { c.AnnualPriceID = "plan_annual" }},
		{"same price twice", func(c *config.StripeConfig) { c.AnnualPriceID = "price_monthly" }},
		{"relative return url", func(c *config.StripeConfig) { c.PortalReturnURL = "/settings" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validStripeConfig()
			tt.mutate(&cfg)
			_, err := NewClient(context.Background(), cfg, nil)
			require.Error(t, err)
		})
	}
}

func TestNilClientFallsBackToDefaults(t *testing.T) {
	var c *Client
	assert.Equal(t, defaultWebhookBodyLimit, c.WebhookBodyLimit())
	assert.Empty(t, c.Prices().Monthly)
	assert.Empty(t, c.PortalReturnURL())
}
