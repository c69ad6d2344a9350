package config

// EnvPrefix scopes every variable read by envconfig.
const EnvPrefix = "TRUVOICE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv             = "TRUVOICE_APP_ENV"
	EnvPort               = "TRUVOICE_APP_PORT"
	EnvDBDSN              = "TRUVOICE_DB_DSN"
	EnvDBHost             = "TRUVOICE_DB_HOST"
	EnvDBUser             = "TRUVOICE_DB_USER"
	EnvDBName             = "TRUVOICE_DB_NAME"
	EnvDBPassword         = "TRUVOICE_DB_PASSWORD"
	EnvRedisURL           = "TRUVOICE_REDIS_URL"
	EnvJWTSecret          = "TRUVOICE_JWT_SECRET"
	EnvJWTIssuer          = "TRUVOICE_JWT_ISSUER"
	EnvStripeMonthlyPrice = "TRUVOICE_STRIPE_MONTHLY_PRICE_ID"
	EnvStripeAnnualPrice  = "TRUVOICE_STRIPE_ANNUAL_PRICE_ID"
	EnvStripeTimeout      = "TRUVOICE_STRIPE_REQUEST_TIMEOUT"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
