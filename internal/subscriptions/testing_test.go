package subscriptions

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/truvoice-backend/pkg/db"
	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/outbox"
)

const (
	testMonthlyPrice = "price_monthly"
	testAnnualPrice  = "price_annual"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

var testPlans = PlanCatalog{
	testMonthlyPrice: enums.PlanTypeMonthly,
	testAnnualPrice:  enums.PlanTypeAnnual,
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  role TEXT NOT NULL DEFAULT 'member',
  external_customer_id TEXT,
  beta_expires_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS subscriptions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  external_subscription_id TEXT NOT NULL UNIQUE,
  external_customer_id TEXT NOT NULL,
  plan_type TEXT NOT NULL,
  price_id TEXT NOT NULL,
  status TEXT NOT NULL,
  current_period_start DATETIME NOT NULL,
  current_period_end DATETIME NOT NULL,
  cancel_at_period_end BOOLEAN NOT NULL DEFAULT false,
  canceled_at DATETIME,
  cancel_reason TEXT,
  checkout_state TEXT NOT NULL DEFAULT 'initiated',
  payment_method_brand TEXT,
  payment_method_last4 TEXT,
  payment_method_exp_month INTEGER,
  payment_method_exp_year INTEGER,
  processor_updated_at DATETIME NOT NULL,
  version INTEGER NOT NULL DEFAULT 1,
  metadata TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS subscription_invoices (
  id TEXT PRIMARY KEY,
  subscription_id TEXT NOT NULL,
  external_invoice_id TEXT NOT NULL UNIQUE,
  amount_cents INTEGER NOT NULL,
  currency TEXT NOT NULL,
  status TEXT NOT NULL,
  invoice_date DATETIME NOT NULL,
  paid_at DATETIME,
  hosted_url TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`}

func setupSubscriptionsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	for _, ddl := range schema {
		require.NoError(t, conn.Exec(ddl).Error)
	}
	return conn
}

type anomalyCounter struct {
	mu    sync.Mutex
	kinds []string
}

func (a *anomalyCounter) IncAnomaly(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func newTestStore(t *testing.T) (*Store, *gorm.DB, *anomalyCounter) {
	t.Helper()

	conn := setupSubscriptionsTestDB(t)
	metrics := &anomalyCounter{}
	logg := testLogger()
	store, err := NewStore(StoreParams{
		Repository:        NewRepository(conn),
		TransactionRunner: db.Wrap(conn),
		Logger:            logg,
		Metrics:           metrics,
		Events:            outbox.NewService(outbox.NewRepository(conn), logg),
		Plans:             testPlans,
		Clock:             func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return store, conn, metrics
}

func seedUser(t *testing.T, conn *gorm.DB, mutate ...func(*models.User)) *models.User {
	t.Helper()

	user := &models.User{ID: uuid.New(), Email: uuid.NewString() + "@example.com", Role: enums.UserRoleMember}
	for _, fn := range mutate {
		fn(user)
	}
	require.NoError(t, conn.Create(user).Error)
	return user
}

func seedSubscription(t *testing.T, conn *gorm.DB, userID uuid.UUID, status enums.SubscriptionStatus, periodEnd time.Time, mutate ...func(*models.Subscription)) *models.Subscription {
	t.Helper()

	sub := &models.Subscription{
		UserID:                 userID,
		ExternalSubscriptionID: "sub_" + uuid.NewString()[:8],
		ExternalCustomerID:     "cus_test",
		PlanType:               enums.PlanTypeMonthly,
		PriceID:                testMonthlyPrice,
		Status:                 status,
		CurrentPeriodStart:     periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:       periodEnd,
		CheckoutState:          CheckoutStateFor(status),
		ProcessorUpdatedAt:     testNow.Add(-time.Hour),
	}
	for _, fn := range mutate {
		fn(sub)
	}
	require.NoError(t, conn.Create(sub).Error)
	return sub
}

// snapshotOf mirrors a stored record as the processor would report it.
func snapshotOf(sub *models.Subscription) *ProcessorSubscription {
	return &ProcessorSubscription{
		ExternalID:         sub.ExternalSubscriptionID,
		CustomerID:         sub.ExternalCustomerID,
		Status:             sub.Status,
		PriceID:            sub.PriceID,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
}

func countOutbox(t *testing.T, conn *gorm.DB, eventType enums.OutboxEventType) int64 {
	t.Helper()

	var n int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

type fakeProcessor struct {
	mu sync.Mutex

	customerID    string
	customerErr   error
	attached      *AttachedPaymentMethod
	attachErr     error
	created       *ProcessorSubscription
	createErr     error
	fetched       *ProcessorSubscription
	getErr        error
	cancelErr     error
	defaultErr    error
	portalURL     string
	createInputs  []ProcessorCreateInput
	cancelCalls   int
	defaultCalls  int
	customerCalls int
}

func (f *fakeProcessor) EnsureCustomer(_ context.Context, user *models.User) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customerCalls++
	if user.ExternalCustomerID != nil {
		return *user.ExternalCustomerID, nil
	}
	return f.customerID, f.customerErr
}

func (f *fakeProcessor) AttachPaymentMethod(context.Context, string, string) (*AttachedPaymentMethod, error) {
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	return f.attached, nil
}

func (f *fakeProcessor) CreateSubscription(_ context.Context, input ProcessorCreateInput) (*ProcessorSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createInputs = append(f.createInputs, input)
	if f.createErr != nil {
		return nil, f.createErr
	}
	cp := *f.created
	return &cp, nil
}

func (f *fakeProcessor) GetSubscription(context.Context, string) (*ProcessorSubscription, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	cp := *f.fetched
	return &cp, nil
}

func (f *fakeProcessor) SetCancelAtPeriodEnd(_ context.Context, externalID string, cancel bool, reason string) (*ProcessorSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	snap, err := f.current(externalID)
	if err != nil {
		return nil, err
	}
	snap.CancelAtPeriodEnd = cancel
	snap.CancelReason = reason
	return snap, nil
}

func (f *fakeProcessor) SetDefaultPaymentMethod(_ context.Context, _, externalID, _ string) (*ProcessorSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultCalls++
	if f.defaultErr != nil {
		return nil, f.defaultErr
	}
	return f.current(externalID)
}

// current returns a copy of the processor's view of externalID.
func (f *fakeProcessor) current(externalID string) (*ProcessorSubscription, error) {
	if f.fetched == nil {
		return nil, fmt.Errorf("no processor subscription %s", externalID)
	}
	cp := *f.fetched
	cp.ExternalID = externalID
	return &cp, nil
}

func (f *fakeProcessor) CreatePortalSession(context.Context, string, string) (string, error) {
	return f.portalURL, nil
}
