package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/truvoice-backend/internal/subscriptions"
	"github.com/angelmondragon/truvoice-backend/pkg/access"
	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/outbox"
)

var jobNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard})
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeReconcileStore struct {
	candidates []models.Subscription
	upserts    []subscriptions.ProcessorSubscription
	causes     []string
	effective  []time.Time
	grace      time.Duration
	err        error
}

func (f *fakeReconcileStore) ListForReconciliation(_ context.Context, grace time.Duration, _ int) ([]models.Subscription, error) {
	f.grace = grace
	return f.candidates, nil
}

func (f *fakeReconcileStore) UpsertFromProcessor(_ context.Context, _ uuid.UUID, snap subscriptions.ProcessorSubscription, effectiveAt time.Time, cause string) (*subscriptions.TransitionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.upserts = append(f.upserts, snap)
	f.causes = append(f.causes, cause)
	f.effective = append(f.effective, effectiveAt)
	return &subscriptions.TransitionResult{Subscription: &models.Subscription{Status: snap.Status}, Applied: true}, nil
}

type fakeFetcher struct {
	byID map[string]*subscriptions.ProcessorSubscription
	err  map[string]error
}

func (f *fakeFetcher) GetSubscription(_ context.Context, externalID string) (*subscriptions.ProcessorSubscription, error) {
	if err := f.err[externalID]; err != nil {
		return nil, err
	}
	return f.byID[externalID], nil
}

func reconcileCandidate(externalID string, status enums.SubscriptionStatus) models.Subscription {
	return models.Subscription{
		ID:                     uuid.New(),
		UserID:                 uuid.New(),
		ExternalSubscriptionID: externalID,
		Status:                 status,
		CancelAtPeriodEnd:      true,
		CurrentPeriodEnd:       jobNow.Add(-time.Hour),
	}
}

func TestSubscriptionReconcileAppliesChangedState(t *testing.T) {
	store := &fakeReconcileStore{candidates: []models.Subscription{
		reconcileCandidate("sub_moved", enums.SubscriptionStatusActive),
		reconcileCandidate("sub_same", enums.SubscriptionStatusActive),
	}}
	fetcher := &fakeFetcher{byID: map[string]*subscriptions.ProcessorSubscription{
		"sub_moved": {ExternalID: "sub_moved", Status: enums.SubscriptionStatusCanceled, CancelAtPeriodEnd: true, CurrentPeriodEnd: jobNow.Add(-time.Hour)},
		"sub_same":  {ExternalID: "sub_same", Status: enums.SubscriptionStatusActive, CancelAtPeriodEnd: true, CurrentPeriodEnd: jobNow.Add(-time.Hour)},
	}}
	job, err := NewSubscriptionReconcileJob(SubscriptionReconcileJobParams{
		Logger:    testLogger(),
		Store:     store,
		Processor: fetcher,
		Now:       func() time.Time { return jobNow.Add(250 * time.Millisecond) },
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if store.grace != access.GracePeriod {
		t.Fatalf("expected default grace, got %v", store.grace)
	}
	if len(store.upserts) != 1 || store.upserts[0].ExternalID != "sub_moved" {
		t.Fatalf("expected only the moved subscription applied, got %+v", store.upserts)
	}
	if store.causes[0] != outbox.CauseReconcile {
		t.Fatalf("unexpected cause %q", store.causes[0])
	}
	if !store.effective[0].Equal(jobNow) {
		t.Fatalf("expected second-truncated effective time, got %v", store.effective[0])
	}
}

func TestSubscriptionReconcileCollectsErrorsAndContinues(t *testing.T) {
	store := &fakeReconcileStore{candidates: []models.Subscription{
		reconcileCandidate("sub_down", enums.SubscriptionStatusPastDue),
		reconcileCandidate("sub_ok", enums.SubscriptionStatusPastDue),
	}}
	fetcher := &fakeFetcher{
		byID: map[string]*subscriptions.ProcessorSubscription{
			"sub_ok": {ExternalID: "sub_ok", Status: enums.SubscriptionStatusUnpaid, CurrentPeriodEnd: jobNow},
		},
		err: map[string]error{"sub_down": errors.New("processor unavailable")},
	}
	job, err := NewSubscriptionReconcileJob(SubscriptionReconcileJobParams{Logger: testLogger(), Store: store, Processor: fetcher})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected aggregated error")
	}
	if len(store.upserts) != 1 {
		t.Fatalf("expected healthy candidate applied, got %d", len(store.upserts))
	}
}

func TestSubscriptionReconcileSkipsInvalidTransition(t *testing.T) {
	store := &fakeReconcileStore{
		candidates: []models.Subscription{reconcileCandidate("sub_back", enums.SubscriptionStatusCanceled)},
		err:        subscriptions.ErrInvalidTransition,
	}
	fetcher := &fakeFetcher{byID: map[string]*subscriptions.ProcessorSubscription{
		"sub_back": {ExternalID: "sub_back", Status: enums.SubscriptionStatusActive, CurrentPeriodEnd: jobNow},
	}}
	job, err := NewSubscriptionReconcileJob(SubscriptionReconcileJobParams{Logger: testLogger(), Store: store, Processor: fetcher})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("invalid transition should not fail the run: %v", err)
	}
}

type fakeDuplicateScanner struct {
	users []uuid.UUID
	err   error
}

func (f *fakeDuplicateScanner) UsersWithDuplicateLive(context.Context) ([]uuid.UUID, error) {
	return f.users, f.err
}

type fakeBillingGauge struct {
	duplicates int
	anomalies  []string
	mrr        float64
	churn      float64
}

func (f *fakeBillingGauge) SetDuplicateLiveUsers(count int)       { f.duplicates = count }
func (f *fakeBillingGauge) IncAnomaly(kind string)                { f.anomalies = append(f.anomalies, kind) }
func (f *fakeBillingGauge) SetRevenueSnapshot(mrr, churn float64) { f.mrr, f.churn = mrr, churn }

func TestSubscriptionAnomalyJobReportsDuplicates(t *testing.T) {
	gauge := &fakeBillingGauge{}
	job, err := NewSubscriptionAnomalyJob(SubscriptionAnomalyJobParams{
		Logger:  testLogger(),
		Store:   &fakeDuplicateScanner{users: []uuid.UUID{uuid.New(), uuid.New()}},
		Metrics: gauge,
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gauge.duplicates != 2 || len(gauge.anomalies) != 2 || gauge.anomalies[0] != anomalyDuplicateLive {
		t.Fatalf("unexpected gauge state %+v", gauge)
	}
}

type fakePruner struct {
	cutoff time.Time
}

func (f *fakePruner) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, nil
}

func TestProcessedEventRetentionUsesWindow(t *testing.T) {
	pruner := &fakePruner{}
	job, err := NewProcessedEventRetentionJob(ProcessedEventRetentionJobParams{
		Logger:     testLogger(),
		Repository: pruner,
		Now:        func() time.Time { return jobNow },
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := jobNow.Add(-defaultProcessedEventRetention); !pruner.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, pruner.cutoff)
	}
}

type fakeProjector struct {
	from, to time.Time
}

func (f *fakeProjector) MonthlyRecurringRevenue(_ context.Context, asOf time.Time) (*subscriptions.RevenueReport, error) {
	return &subscriptions.RevenueReport{AsOf: asOf, MRRCents: decimal.NewFromInt(4500), BillableCount: 3}, nil
}

func (f *fakeProjector) ChurnRate(_ context.Context, from, to time.Time) (*subscriptions.ChurnReport, error) {
	f.from, f.to = from, to
	return &subscriptions.ChurnReport{From: from, To: to, Canceled: 1, LiveAtStart: 4, Rate: decimal.RequireFromString("0.25")}, nil
}

func TestBillingMetricsJobExportsSnapshot(t *testing.T) {
	projector := &fakeProjector{}
	gauge := &fakeBillingGauge{}
	job, err := NewBillingMetricsJob(BillingMetricsJobParams{
		Logger:  testLogger(),
		Store:   projector,
		Metrics: gauge,
		Now:     func() time.Time { return jobNow },
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gauge.mrr != 4500 || gauge.churn != 0.25 {
		t.Fatalf("unexpected snapshot mrr=%v churn=%v", gauge.mrr, gauge.churn)
	}
	if !projector.to.Equal(jobNow) || !projector.from.Equal(jobNow.Add(-defaultChurnWindow)) {
		t.Fatalf("unexpected churn window %v..%v", projector.from, projector.to)
	}
}
