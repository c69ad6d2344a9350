package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/truvoice-backend/api/controllers"
	subscriptionControllers "github.com/angelmondragon/truvoice-backend/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/truvoice-backend/api/controllers/webhooks"
	"github.com/angelmondragon/truvoice-backend/api/middleware"
	subscriptionsvc "github.com/angelmondragon/truvoice-backend/internal/subscriptions"
	"github.com/angelmondragon/truvoice-backend/pkg/access"
	"github.com/angelmondragon/truvoice-backend/pkg/config"
	"github.com/angelmondragon/truvoice-backend/pkg/db"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/redis"
)

// redisStore is the redis surface the HTTP layer needs.
type redisStore interface {
	redis.IdempotencyStore
	redis.Pinger
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient redisStore,
	subscriptionsService subscriptionsvc.Service,
	billingReports controllers.BillingReports,
	deadLetters controllers.DeadLetterCounter,
	stripeVerifier webhookcontrollers.EventVerifier,
	stripeWebhookService webhookcontrollers.StripeWebhookService,
	metricsHandler http.Handler,
	anomalies middleware.AnomalyCounter,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.PublicURL),
	)

	var (
		idempotencyStore redis.IdempotencyStore
		redisPinger      controllers.Pinger
		limiter          middleware.RateLimitStore
	)
	if redisClient != nil {
		idempotencyStore = redisClient
		redisPinger = redisClient
		limiter = redisClient
	}
	var dbPinger controllers.Pinger
	if dbP != nil {
		dbPinger = dbP
	}

	createPolicy := middleware.NewRateLimitPolicy(
		"subscription-create",
		cfg.Billing.CreateRateWindow,
		cfg.Billing.CreateRateLimit,
	)
	resolveVerdict := verdictResolver(subscriptionsService)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbPinger, redisPinger))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeVerifier, cfg.Stripe.MaxBodyBytes, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(idempotencyStore, logg))

		r.Route("/subscriptions", func(r chi.Router) {
			r.Use(middleware.RecoverBillingWrite(logg, anomalies))
			r.Get("/details", subscriptionControllers.Details(subscriptionsService, logg))
			r.With(middleware.RateLimit(createPolicy, limiter, logg)).Post("/create", subscriptionControllers.Create(subscriptionsService, logg))
			r.Post("/confirm", subscriptionControllers.Confirm(subscriptionsService, logg))
			r.Post("/cancel", subscriptionControllers.Cancel(subscriptionsService, logg))
			r.Post("/payment-method", subscriptionControllers.UpdatePaymentMethod(subscriptionsService, logg))
			r.Get("/billing-portal", subscriptionControllers.BillingPortal(subscriptionsService, logg))
			r.Get("/invoices", subscriptionControllers.Invoices(subscriptionsService, logg))
			r.Get("/beta-status", subscriptionControllers.BetaStatus(subscriptionsService, logg))
		})

		r.Get("/access/check", controllers.AccessCheck(resolveVerdict, access.DefaultGuard(), logg))

		r.Route("/coach", func(r chi.Router) {
			r.Use(middleware.RequireAccess(resolveVerdict, cfg.FeatureFlags.EnforceAccess, logg))
			r.Get("/entitlement", controllers.CoachEntitlement(logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(enums.UserRoleAdmin, logg))
		r.Get("/billing/metrics", controllers.AdminBillingMetrics(billingReports, deadLetters, logg))
	})

	return r
}

func verdictResolver(svc subscriptionsvc.Service) middleware.VerdictResolver {
	if svc == nil {
		return nil
	}
	return func(ctx context.Context, userID uuid.UUID, now time.Time) (access.Verdict, error) {
		state, err := svc.Details(ctx, userID, now)
		if err != nil {
			return access.Verdict{}, err
		}
		return state.Verdict, nil
	}
}
