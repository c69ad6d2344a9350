package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

// Stripe stops redelivering after three days; the window stays well past that.
const defaultProcessedEventRetention = 60 * 24 * time.Hour

type processedEventPruner interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type ProcessedEventRetentionJobParams struct {
	Logger     *logger.Logger
	Repository processedEventPruner
	Retention  time.Duration
	Now        func() time.Time
}

func NewProcessedEventRetentionJob(params ProcessedEventRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("processed event repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultProcessedEventRetention
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &processedEventRetentionJob{logg: params.Logger, repo: params.Repository, retention: retention, now: now}, nil
}

type processedEventRetentionJob struct {
	logg      *logger.Logger
	repo      processedEventPruner
	retention time.Duration
	now       func() time.Time
}

func (j *processedEventRetentionJob) Name() string { return "processed-event-retention" }

func (j *processedEventRetentionJob) Stage() Stage { return StageRetention }

func (j *processedEventRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	deleted, err := j.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune processed events: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": deleted,
	}), "processed event retention complete")
	return nil
}
