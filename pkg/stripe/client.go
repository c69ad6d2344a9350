package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/truvoice-backend/pkg/config"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	pricePrefix  = "price_"
	secretPrefix = "whsec_"

	defaultWebhookBodyLimit int64 = 1 << 20
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Prices carries the two configured plan prices. Either may be empty in
// environments that do not sell that plan.
type Prices struct {
	Monthly string
	Annual  string
}

// Client holds the billing settings the gateway and webhook ingestor share.
// API calls go through the package-level stripe-go backends keyed by stripe.Key.
type Client struct {
	environment   string
	signingSecret string
	timeout       time.Duration
	prices        Prices
	returnURL     string
	bodyLimit     int64
}

// NewClient validates the Stripe settings and configures the stripe-go backends once.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	signingSecret := strings.TrimSpace(cfg.Secret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}
	if !strings.HasPrefix(signingSecret, secretPrefix) {
		return nil, fmt.Errorf("stripe webhook secret must start with %q", secretPrefix)
	}

	prices, err := validatePrices(cfg.MonthlyPriceID, cfg.AnnualPriceID)
	if err != nil {
		return nil, err
	}

	returnURL, err := validateReturnURL(cfg.PortalReturnURL)
	if err != nil {
		return nil, err
	}

	bodyLimit := cfg.MaxBodyBytes
	if bodyLimit <= 0 {
		bodyLimit = defaultWebhookBodyLimit
	}

	stripe.Key = apiKey
	stripe.SetAppInfo(&stripe.AppInfo{Name: "truvoice-backend"})

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"stripe_env":    env,
			"monthly_price": prices.Monthly,
			"annual_price":  prices.Annual,
		}), "stripe client initialized")
	}

	return &Client{
		environment:   env,
		signingSecret: signingSecret,
		timeout:       cfg.RequestTimeout,
		prices:        prices,
		returnURL:     returnURL,
		bodyLimit:     bodyLimit,
	}, nil
}

// RequestTimeout is the per-call deadline applied by Caller.
func (c *Client) RequestTimeout() time.Duration {
	if c == nil {
		return 0
	}
	return c.timeout
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// Prices returns the validated plan price IDs.
func (c *Client) Prices() Prices {
	if c == nil {
		return Prices{}
	}
	return c.prices
}

// PortalReturnURL is where the billing portal sends the user back to.
func (c *Client) PortalReturnURL() string {
	if c == nil {
		return ""
	}
	return c.returnURL
}

// WebhookBodyLimit caps the size of a webhook payload read before verification.
func (c *Client) WebhookBodyLimit() int64 {
	if c == nil {
		return defaultWebhookBodyLimit
	}
	return c.bodyLimit
}

func validatePrices(monthly, annual string) (Prices, error) {
	p := Prices{Monthly: strings.TrimSpace(monthly), Annual: strings.TrimSpace(annual)}
	for name, id := range map[string]string{"monthly": p.Monthly, "annual": p.Annual} {
		if id != "" && !strings.HasPrefix(id, pricePrefix) {
			return Prices{}, fmt.Errorf("stripe %s price id %q must start with %q", name, id, pricePrefix)
		}
	}
	if p.Monthly != "" && p.Monthly == p.Annual {
		return Prices{}, errors.New("stripe monthly and annual price ids must differ")
	}
	return p, nil
}

func validateReturnURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", fmt.Errorf("stripe portal return url %q must be an absolute http(s) url", raw)
	}
	return raw, nil
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
