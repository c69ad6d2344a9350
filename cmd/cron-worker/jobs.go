package main

import (
	"github.com/angelmondragon/truvoice-backend/internal/cron"
	"github.com/angelmondragon/truvoice-backend/internal/subscriptions"
	stripewebhook "github.com/angelmondragon/truvoice-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/truvoice-backend/pkg/config"
	"github.com/angelmondragon/truvoice-backend/pkg/db"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/metrics"
	"github.com/angelmondragon/truvoice-backend/pkg/outbox"
)

type jobDeps struct {
	cfg       *config.Config
	logg      *logger.Logger
	db        *db.Client
	store     *subscriptions.Store
	processor subscriptions.Processor
	processed *stripewebhook.ProcessedEventRepository
	outbox    *outbox.Repository
	metrics   *metrics.BillingMetrics
}

func registerJobs(registry *cron.Registry, deps jobDeps) error {
	anomalyJob, err := cron.NewSubscriptionAnomalyJob(cron.SubscriptionAnomalyJobParams{
		Logger:  deps.logg,
		Store:   deps.store,
		Metrics: deps.metrics,
	})
	if err != nil {
		return err
	}
	reconcileJob, err := cron.NewSubscriptionReconcileJob(cron.SubscriptionReconcileJobParams{
		Logger:    deps.logg,
		Store:     deps.store,
		Processor: deps.processor,
		Limit:     deps.cfg.Cron.ReconcileLimit,
	})
	if err != nil {
		return err
	}
	processedJob, err := cron.NewProcessedEventRetentionJob(cron.ProcessedEventRetentionJobParams{
		Logger:     deps.logg,
		Repository: deps.processed,
		Retention:  deps.cfg.Cron.ProcessedEventRetention,
	})
	if err != nil {
		return err
	}
	metricsJob, err := cron.NewBillingMetricsJob(cron.BillingMetricsJobParams{
		Logger:      deps.logg,
		Store:       deps.store,
		Metrics:     deps.metrics,
		ChurnWindow: deps.cfg.Cron.ChurnWindow,
	})
	if err != nil {
		return err
	}
	outboxJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     deps.logg,
		DB:         deps.db,
		Repository: deps.outbox,
		Retention:  deps.cfg.Cron.OutboxRetention,
	})
	if err != nil {
		return err
	}

	for _, job := range []cron.Job{anomalyJob, reconcileJob, processedJob, metricsJob, outboxJob} {
		if err := registry.Register(job); err != nil {
			return err
		}
	}
	return nil
}
