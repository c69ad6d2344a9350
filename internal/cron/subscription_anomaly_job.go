package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

const anomalyDuplicateLive = "duplicate_live"

type duplicateScanner interface {
	UsersWithDuplicateLive(ctx context.Context) ([]uuid.UUID, error)
}

type duplicateGauge interface {
	SetDuplicateLiveUsers(count int)
	IncAnomaly(kind string)
}

type SubscriptionAnomalyJobParams struct {
	Logger  *logger.Logger
	Store   duplicateScanner
	Metrics duplicateGauge
}

func NewSubscriptionAnomalyJob(params SubscriptionAnomalyJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("subscription store required")
	}
	return &subscriptionAnomalyJob{logg: params.Logger, store: params.Store, metrics: params.Metrics}, nil
}

type subscriptionAnomalyJob struct {
	logg    *logger.Logger
	store   duplicateScanner
	metrics duplicateGauge
}

func (j *subscriptionAnomalyJob) Name() string { return "subscription-anomaly-scan" }

func (j *subscriptionAnomalyJob) Stage() Stage { return StageAudit }

// Run reports users holding more than one live record. It never repairs them.
func (j *subscriptionAnomalyJob) Run(ctx context.Context) error {
	users, err := j.store.UsersWithDuplicateLive(ctx)
	if err != nil {
		return fmt.Errorf("scan duplicate live subscriptions: %w", err)
	}
	for _, id := range users {
		j.logg.Warn(j.logg.WithUserID(ctx, id.String()), "subscription.anomaly.duplicate_live")
		if j.metrics != nil {
			j.metrics.IncAnomaly(anomalyDuplicateLive)
		}
	}
	if j.metrics != nil {
		j.metrics.SetDuplicateLiveUsers(len(users))
	}
	j.logg.Info(j.logg.WithField(ctx, "users", len(users)), "anomaly scan complete")
	return nil
}
