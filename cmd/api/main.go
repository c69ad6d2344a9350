package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/truvoice-backend/api/routes"
	"github.com/angelmondragon/truvoice-backend/internal/subscriptions"
	"github.com/angelmondragon/truvoice-backend/internal/users"
	stripewebhook "github.com/angelmondragon/truvoice-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/truvoice-backend/pkg/config"
	"github.com/angelmondragon/truvoice-backend/pkg/db"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/metrics"
	"github.com/angelmondragon/truvoice-backend/pkg/migrate"
	"github.com/angelmondragon/truvoice-backend/pkg/outbox"
	"github.com/angelmondragon/truvoice-backend/pkg/redis"
	pkgstripe "github.com/angelmondragon/truvoice-backend/pkg/stripe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.NewBillingMetrics(registry)

	usersRepo := users.NewRepository(dbClient.DB())
	store, err := subscriptions.NewStore(subscriptions.StoreParams{
		Repository:        subscriptions.NewRepository(dbClient.DB()),
		TransactionRunner: dbClient,
		Logger:            logg,
		Metrics:           billingMetrics,
		Events:            outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		Plans:             subscriptions.NewPlanCatalog(stripeClient.Prices().Monthly, stripeClient.Prices().Annual),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create subscription store", err)
		os.Exit(1)
	}

	processor := subscriptions.NewStripeProcessor(pkgstripe.NewCaller(pkgstripe.CallerParams{
		Timeout: stripeClient.RequestTimeout(),
		Billing: cfg.Billing,
		Metrics: billingMetrics,
		Logger:  logg,
	}))

	subscriptionsService, err := subscriptions.NewService(subscriptions.ServiceParams{
		Store:           store,
		Users:           usersRepo,
		Processor:       processor,
		Logger:          logg,
		PortalReturnURL: stripeClient.PortalReturnURL(),
		PersistRetries:  cfg.Billing.PersistRetries,
		PersistBackoff:  cfg.Billing.PersistRetryBase,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create subscription service", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Store:             store,
		Users:             usersRepo,
		Processed:         stripewebhook.NewProcessedEventRepository(dbClient.DB()),
		TransactionRunner: dbClient,
		Logger:            logg,
		Metrics:           billingMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe webhook service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"instance":   id,
		"stripe_env": stripeClient.Environment(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			subscriptionsService,
			store,
			outbox.NewDLQRepository(dbClient.DB()),
			stripeClient,
			webhookService,
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			billingMetrics,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		logg.Info(ctx, "api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}
}
