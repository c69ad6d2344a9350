package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/truvoice-backend/internal/subscriptions"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

const defaultChurnWindow = 30 * 24 * time.Hour

type revenueProjector interface {
	MonthlyRecurringRevenue(ctx context.Context, asOf time.Time) (*subscriptions.RevenueReport, error)
	ChurnRate(ctx context.Context, from, to time.Time) (*subscriptions.ChurnReport, error)
}

type revenueGauge interface {
	SetRevenueSnapshot(mrrCents, churnRatio float64)
}

type BillingMetricsJobParams struct {
	Logger      *logger.Logger
	Store       revenueProjector
	Metrics     revenueGauge
	ChurnWindow time.Duration
	Now         func() time.Time
}

func NewBillingMetricsJob(params BillingMetricsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("subscription store required")
	}
	if params.Metrics == nil {
		return nil, fmt.Errorf("billing metrics required")
	}
	window := params.ChurnWindow
	if window <= 0 {
		window = defaultChurnWindow
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &billingMetricsJob{logg: params.Logger, store: params.Store, metrics: params.Metrics, window: window, now: now}, nil
}

type billingMetricsJob struct {
	logg    *logger.Logger
	store   revenueProjector
	metrics revenueGauge
	window  time.Duration
	now     func() time.Time
}

func (j *billingMetricsJob) Name() string { return "billing-metrics-snapshot" }

func (j *billingMetricsJob) Stage() Stage { return StageReport }

func (j *billingMetricsJob) Run(ctx context.Context) error {
	asOf := j.now().UTC()
	mrr, err := j.store.MonthlyRecurringRevenue(ctx, asOf)
	if err != nil {
		return fmt.Errorf("compute mrr: %w", err)
	}
	churn, err := j.store.ChurnRate(ctx, asOf.Add(-j.window), asOf)
	if err != nil {
		return fmt.Errorf("compute churn: %w", err)
	}
	j.metrics.SetRevenueSnapshot(mrr.MRRCents.InexactFloat64(), churn.Rate.InexactFloat64())
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"mrr_cents":      mrr.MRRCents.String(),
		"billable":       mrr.BillableCount,
		"uninvoiced":     mrr.UninvoicedSubs,
		"churn_rate":     churn.Rate.String(),
		"churn_canceled": churn.Canceled,
	}), "billing metrics snapshot complete")
	return nil
}
