package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/truvoice-backend/internal/cron"
	"github.com/angelmondragon/truvoice-backend/internal/subscriptions"
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

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	billingMetrics := metrics.NewBillingMetrics(prometheus.DefaultRegisterer)
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	outboxRepo := outbox.NewRepository(dbClient.DB())
	store, err := subscriptions.NewStore(subscriptions.StoreParams{
		Repository:        subscriptions.NewRepository(dbClient.DB()),
		TransactionRunner: dbClient,
		Logger:            logg,
		Metrics:           billingMetrics,
		Events:            outbox.NewService(outboxRepo, logg),
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

	registry := cron.NewRegistry()
	if err := registerJobs(registry, jobDeps{
		cfg:       cfg,
		logg:      logg,
		db:        dbClient,
		store:     store,
		processor: processor,
		processed: stripewebhook.NewProcessedEventRepository(dbClient.DB()),
		outbox:    outboxRepo,
		metrics:   billingMetrics,
	}); err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker", cfg.App.Env), cron.LockTTLFor(cfg.Cron.Interval))
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
