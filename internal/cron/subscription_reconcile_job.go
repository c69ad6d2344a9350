package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/truvoice-backend/internal/subscriptions"
	"github.com/angelmondragon/truvoice-backend/pkg/access"
	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/outbox"
)

const defaultReconcileLimit = 200

type reconcileStore interface {
	ListForReconciliation(ctx context.Context, grace time.Duration, limit int) ([]models.Subscription, error)
	UpsertFromProcessor(ctx context.Context, userID uuid.UUID, snap subscriptions.ProcessorSubscription, effectiveAt time.Time, cause string) (*subscriptions.TransitionResult, error)
}

type subscriptionFetcher interface {
	GetSubscription(ctx context.Context, externalID string) (*subscriptions.ProcessorSubscription, error)
}

// SubscriptionReconcileJobParams configures the lost-webhook safety net.
type SubscriptionReconcileJobParams struct {
	Logger    *logger.Logger
	Store     reconcileStore
	Processor subscriptionFetcher
	Limit     int
	Grace     time.Duration
	Now       func() time.Time
}

// NewSubscriptionReconcileJob builds a reconciliation cron job.
func NewSubscriptionReconcileJob(params SubscriptionReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("subscription store required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("processor required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	grace := params.Grace
	if grace <= 0 {
		grace = access.GracePeriod
	}
	return &subscriptionReconcileJob{
		logg:      params.Logger,
		store:     params.Store,
		processor: params.Processor,
		now:       now,
		limit:     limit,
		grace:     grace,
	}, nil
}

type subscriptionReconcileJob struct {
	logg      *logger.Logger
	store     reconcileStore
	processor subscriptionFetcher
	now       func() time.Time
	limit     int
	grace     time.Duration
}

func (j *subscriptionReconcileJob) Name() string { return "subscription-reconcile" }

func (j *subscriptionReconcileJob) Stage() Stage { return StageReconcile }

// Run refetches records whose processor state should already have moved and
// applies it through the store's last-writer-wins path.
func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	candidates, err := j.store.ListForReconciliation(ctx, j.grace, j.limit)
	if err != nil {
		return fmt.Errorf("list subscriptions for reconciliation: %w", err)
	}
	var errs error
	changed := 0
	for i := range candidates {
		applied, err := j.reconcile(ctx, &candidates[i])
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if applied {
			changed++
		}
	}
	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(candidates),
		"changed":    changed,
	})
	j.logg.Info(reportCtx, "subscription reconcile loop complete")
	return errs
}

func (j *subscriptionReconcileJob) reconcile(ctx context.Context, sub *models.Subscription) (bool, error) {
	logCtx := j.logg.WithSubscriptionID(ctx, sub.ID.String())
	logCtx = j.logg.WithField(logCtx, "external_subscription_id", sub.ExternalSubscriptionID)
	if strings.TrimSpace(sub.ExternalSubscriptionID) == "" {
		j.logg.Warn(logCtx, "subscription missing processor id; skipping")
		return false, nil
	}
	snap, err := j.processor.GetSubscription(logCtx, sub.ExternalSubscriptionID)
	if err != nil {
		return false, fmt.Errorf("fetch processor subscription %s: %w", sub.ExternalSubscriptionID, err)
	}
	if snap == nil {
		j.logg.Warn(logCtx, "processor subscription not found; skipping")
		return false, nil
	}
	if unchanged(sub, snap) {
		j.logg.Debug(logCtx, "processor state unchanged")
		return false, nil
	}
	res, err := j.store.UpsertFromProcessor(logCtx, sub.UserID, *snap, j.now().UTC().Truncate(time.Second), outbox.CauseReconcile)
	if err != nil {
		if errors.Is(err, subscriptions.ErrInvalidTransition) {
			j.logg.Warn(logCtx, "subscription.reconcile.invalid_transition")
			return false, nil
		}
		return false, fmt.Errorf("apply processor state %s: %w", sub.ExternalSubscriptionID, err)
	}
	if res.Applied {
		j.logg.Info(j.logg.WithField(logCtx, "status", res.Subscription.Status), "subscription reconciled")
	}
	return res.Applied, nil
}

func unchanged(sub *models.Subscription, snap *subscriptions.ProcessorSubscription) bool {
	return sub.Status == snap.Status &&
		sub.CancelAtPeriodEnd == snap.CancelAtPeriodEnd &&
		sub.CurrentPeriodEnd.Equal(snap.CurrentPeriodEnd)
}
