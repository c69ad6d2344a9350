package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Billing      BillingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Stripe.validatePrices(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TRUVOICE_APP_ENV" required:"true"`
	Port         string `envconfig:"TRUVOICE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"TRUVOICE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TRUVOICE_LOG_WARN_STACK" default:"false"`
	PublicURL    string `envconfig:"TRUVOICE_APP_PUBLIC_URL" default:"http://localhost:5173"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TRUVOICE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"TRUVOICE_DB_DSN"`
	Driver string `envconfig:"TRUVOICE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TRUVOICE_DB_HOST"`
	LegacyPort     int    `envconfig:"TRUVOICE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TRUVOICE_DB_USER"`
	LegacyPassword string `envconfig:"TRUVOICE_DB_PASSWORD"`
	LegacyName     string `envconfig:"TRUVOICE_DB_NAME"`
	LegacySSLMode  string `envconfig:"TRUVOICE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TRUVOICE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TRUVOICE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TRUVOICE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TRUVOICE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	TxRetries       uint64        `envconfig:"TRUVOICE_DB_TX_RETRIES" default:"3"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TRUVOICE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TRUVOICE_REDIS_ADDR"`
	Password     string        `envconfig:"TRUVOICE_REDIS_PASSWORD"`
	DB           int           `envconfig:"TRUVOICE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TRUVOICE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TRUVOICE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TRUVOICE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TRUVOICE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TRUVOICE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig describes the tokens minted by the identity service and verified here.
type JWTConfig struct {
	Secret            string `envconfig:"TRUVOICE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"TRUVOICE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"TRUVOICE_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"TRUVOICE_AUTO_MIGRATE" default:"false"`
	// EnforceAccess gates the product API with the access decision.
	EnforceAccess bool `envconfig:"TRUVOICE_FEATURE_ENFORCE_ACCESS" default:"true"`
}

type StripeConfig struct {
	APIKey          string        `envconfig:"TRUVOICE_STRIPE_API_KEY"`
	Secret          string        `envconfig:"TRUVOICE_STRIPE_SECRET"`
	Env             string        `envconfig:"TRUVOICE_STRIPE_ENV" default:"test"`
	MonthlyPriceID  string        `envconfig:"TRUVOICE_STRIPE_MONTHLY_PRICE_ID"`
	AnnualPriceID   string        `envconfig:"TRUVOICE_STRIPE_ANNUAL_PRICE_ID"`
	PortalReturnURL string        `envconfig:"TRUVOICE_STRIPE_PORTAL_RETURN_URL"`
	RequestTimeout  time.Duration `envconfig:"TRUVOICE_STRIPE_REQUEST_TIMEOUT" default:"10s"`
	MaxBodyBytes    int64         `envconfig:"TRUVOICE_STRIPE_WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

func (s StripeConfig) validatePrices() error {
	monthly := strings.TrimSpace(s.MonthlyPriceID)
	annual := strings.TrimSpace(s.AnnualPriceID)
	if monthly != "" && monthly == annual {
		return fmt.Errorf("%s and %s must differ", EnvStripeMonthlyPrice, EnvStripeAnnualPrice)
	}
	return nil
}

// BillingConfig tunes the gateway's protection around processor calls.
type BillingConfig struct {
	BreakerMaxRequests      uint32        `envconfig:"TRUVOICE_BILLING_BREAKER_MAX_REQUESTS" default:"1"`
	BreakerInterval         time.Duration `envconfig:"TRUVOICE_BILLING_BREAKER_INTERVAL" default:"1m"`
	BreakerTimeout          time.Duration `envconfig:"TRUVOICE_BILLING_BREAKER_TIMEOUT" default:"30s"`
	BreakerFailureThreshold uint32        `envconfig:"TRUVOICE_BILLING_BREAKER_FAILURE_THRESHOLD" default:"5"`
	PersistRetries          uint64        `envconfig:"TRUVOICE_BILLING_PERSIST_RETRIES" default:"3"`
	PersistRetryBase        time.Duration `envconfig:"TRUVOICE_BILLING_PERSIST_RETRY_BASE" default:"50ms"`
	CreateRateLimit         int           `envconfig:"TRUVOICE_BILLING_CREATE_RATE_LIMIT" default:"5"`
	CreateRateWindow        time.Duration `envconfig:"TRUVOICE_BILLING_CREATE_RATE_WINDOW" default:"10m"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"TRUVOICE_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	BillingTopic        string `envconfig:"TRUVOICE_PUBSUB_BILLING_TOPIC" default:"truvoice-billing-events"`
	BillingSubscription string `envconfig:"TRUVOICE_PUBSUB_BILLING_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"TRUVOICE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"TRUVOICE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"TRUVOICE_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type CronConfig struct {
	Interval                time.Duration `envconfig:"TRUVOICE_CRON_INTERVAL" default:"1h"`
	ProcessedEventRetention time.Duration `envconfig:"TRUVOICE_CRON_PROCESSED_EVENT_RETENTION" default:"1440h"`
	ReconcileLimit          int           `envconfig:"TRUVOICE_CRON_RECONCILE_LIMIT" default:"200"`
	OutboxRetention         time.Duration `envconfig:"TRUVOICE_CRON_OUTBOX_RETENTION" default:"720h"`
	ChurnWindow             time.Duration `envconfig:"TRUVOICE_CRON_CHURN_WINDOW" default:"720h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
