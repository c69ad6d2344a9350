package subscriptions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/outbox"
	"github.com/angelmondragon/truvoice-backend/pkg/pagination"
)

func TestGetActiveForUserReturnsNilWithoutRecords(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)

	sub, err := store.GetActiveForUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestGetActiveForUserPicksLatestPeriodEndAndFlagsDuplicates(t *testing.T) {
	store, conn, metrics := newTestStore(t)
	user := seedUser(t, conn)
	older := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusActive, testNow.AddDate(0, 0, 10))
	newer := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusPastDue, testNow.AddDate(0, 0, 20))

	sub, err := store.GetActiveForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, newer.ID, sub.ID)
	assert.NotEqual(t, older.ID, sub.ID)
	assert.Equal(t, []string{AnomalyDuplicateActive}, metrics.kinds)

	dupes, err := store.UsersWithDuplicateLive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, len(dupes))
	assert.Equal(t, user.ID, dupes[0])
}

func TestGetActiveForUserCountsCanceledInsidePaidPeriod(t *testing.T) {
	store, conn, metrics := newTestStore(t)
	user := seedUser(t, conn)
	paid := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusCanceled, testNow.AddDate(0, 0, 3))
	seedSubscription(t, conn, user.ID, enums.SubscriptionStatusCanceled, testNow.AddDate(0, 0, -3))

	sub, err := store.GetActiveForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, paid.ID, sub.ID)
	assert.Empty(t, metrics.kinds)
}

func TestGetCurrentForUserFallsBackToLapsedRecord(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)
	lapsed := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusCanceled, testNow.AddDate(0, 0, -30))
	seedSubscription(t, conn, user.ID, enums.SubscriptionStatusIncompleteExpired, testNow.AddDate(0, 0, -1))

	sub, err := store.GetCurrentForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, lapsed.ID, sub.ID)
}

func TestApplyStatusTransitionRejectsLeavingCanceled(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)
	sub := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusCanceled, testNow.AddDate(0, 0, -1))

	_, err := store.ApplyStatusTransition(context.Background(), sub.ID, enums.SubscriptionStatusActive, testNow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))

	var stored models.Subscription
	require.NoError(t, conn.First(&stored, "id = ?", sub.ID).Error)
	assert.Equal(t, enums.SubscriptionStatusCanceled, stored.Status)
}

func TestApplyStatusTransitionStampsCancelAndEmits(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)
	sub := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusActive, testNow.AddDate(0, 0, 5))

	res, err := store.ApplyStatusTransition(context.Background(), sub.ID, enums.SubscriptionStatusCanceled, testNow)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, enums.SubscriptionStatusCanceled, res.Subscription.Status)
	require.NotNil(t, res.Subscription.CanceledAt)
	assert.True(t, res.Subscription.CanceledAt.Equal(testNow))
	assert.Equal(t, 2, res.Subscription.Version)
	assert.Equal(t, int64(1), countOutbox(t, conn, enums.EventSubscriptionChanged))
}

func TestApplyStatusTransitionIgnoresOlderEvents(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)
	sub := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusActive, testNow.AddDate(0, 0, 5))

	res, err := store.ApplyStatusTransition(context.Background(), sub.ID, enums.SubscriptionStatusPastDue, sub.ProcessorUpdatedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, enums.SubscriptionStatusActive, res.Subscription.Status)
	assert.Equal(t, int64(0), countOutbox(t, conn, enums.EventSubscriptionChanged))
}

func TestUpsertFromProcessorCreatesThenRefreshes(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)
	ctx := context.Background()
	snap := ProcessorSubscription{
		ExternalID:         "sub_upsert",
		CustomerID:         "cus_1",
		Status:             enums.SubscriptionStatusIncomplete,
		PriceID:            testAnnualPrice,
		CurrentPeriodStart: testNow,
		CurrentPeriodEnd:   testNow.AddDate(1, 0, 0),
		PaymentMethod:      &PaymentMethodSummary{Brand: "Visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030},
	}

	res, err := store.UpsertFromProcessor(ctx, user.ID, snap, testNow, outbox.CauseCreate)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, enums.PlanTypeAnnual, res.Subscription.PlanType)
	assert.Equal(t, enums.CheckoutStateRequiresConfirmation, res.Subscription.CheckoutState)
	require.NotNil(t, res.Subscription.PaymentMethodBrand)
	assert.Equal(t, "visa", *res.Subscription.PaymentMethodBrand)

	snap.Status = enums.SubscriptionStatusActive
	res, err = store.UpsertFromProcessor(ctx, user.ID, snap, testNow.Add(time.Minute), outbox.CauseProcessorEvent)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Created)
	assert.Equal(t, enums.SubscriptionStatusActive, res.Subscription.Status)
	assert.Equal(t, enums.CheckoutStateActive, res.Subscription.CheckoutState)

	snap.Status = enums.SubscriptionStatusPastDue
	res, err = store.UpsertFromProcessor(ctx, user.ID, snap, testNow, outbox.CauseProcessorEvent)
	require.NoError(t, err)
	assert.False(t, res.Applied, "an event older than the stored state must not win")
	assert.Equal(t, enums.SubscriptionStatusActive, res.Subscription.Status)
	assert.Equal(t, int64(2), countOutbox(t, conn, enums.EventSubscriptionChanged))
}

func TestUpsertFromProcessorValidatesPeriod(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)

	_, err := store.UpsertFromProcessor(context.Background(), user.ID, ProcessorSubscription{
		ExternalID:         "sub_bad",
		Status:             enums.SubscriptionStatusActive,
		CurrentPeriodStart: testNow,
		CurrentPeriodEnd:   testNow,
	}, testNow, outbox.CauseProcessorEvent)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestAppendInvoiceIsIdempotent(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)
	sub := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusActive, testNow.AddDate(0, 0, 5))
	ctx := context.Background()
	input := InvoiceInput{
		ExternalID:  "in_1",
		AmountCents: 1900,
		Currency:    "USD",
		Status:      enums.InvoiceStatusPaid,
		InvoiceDate: testNow,
	}

	first, err := store.AppendInvoice(ctx, sub.ID, input)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "usd", first.Invoice.Currency)
	require.NotNil(t, first.Invoice.PaidAt)

	second, err := store.AppendInvoice(ctx, sub.ID, input)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Invoice.ID, second.Invoice.ID)

	var count int64
	require.NoError(t, conn.Model(&models.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(1), countOutbox(t, conn, enums.EventInvoiceRecorded))
}

func TestAppendInvoiceRejectsPaidToOpen(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)
	sub := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusActive, testNow.AddDate(0, 0, 5))
	ctx := context.Background()

	_, err := store.AppendInvoice(ctx, sub.ID, InvoiceInput{ExternalID: "in_paid", AmountCents: 1900, Currency: "usd", Status: enums.InvoiceStatusPaid, InvoiceDate: testNow})
	require.NoError(t, err)

	_, err = store.ApplyInvoiceStatus(ctx, "in_paid", enums.InvoiceStatusOpen, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = store.AppendInvoice(ctx, sub.ID, InvoiceInput{ExternalID: "in_paid", AmountCents: 1900, Currency: "usd", Status: enums.InvoiceStatusOpen, InvoiceDate: testNow})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestListInvoicesPaginatesNewestFirst(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)
	other := seedUser(t, conn)
	sub := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusActive, testNow.AddDate(0, 0, 5))
	otherSub := seedSubscription(t, conn, other.ID, enums.SubscriptionStatusActive, testNow.AddDate(0, 0, 5))
	ctx := context.Background()

	for i, id := range []string{"in_a", "in_b", "in_c"} {
		_, err := store.AppendInvoice(ctx, sub.ID, InvoiceInput{
			ExternalID:  id,
			AmountCents: 1900,
			Currency:    "usd",
			Status:      enums.InvoiceStatusOpen,
			InvoiceDate: testNow.AddDate(0, -i, 0),
		})
		require.NoError(t, err)
	}
	_, err := store.AppendInvoice(ctx, otherSub.ID, InvoiceInput{ExternalID: "in_other", AmountCents: 1, Currency: "usd", Status: enums.InvoiceStatusOpen, InvoiceDate: testNow})
	require.NoError(t, err)

	page, err := store.ListInvoices(ctx, user.ID, pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Invoices, 2)
	assert.Equal(t, "in_a", page.Invoices[0].ExternalInvoiceID)
	assert.Equal(t, "in_b", page.Invoices[1].ExternalInvoiceID)
	require.NotEmpty(t, page.NextCursor)

	page, err = store.ListInvoices(ctx, user.ID, pagination.Params{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Invoices, 1)
	assert.Equal(t, "in_c", page.Invoices[0].ExternalInvoiceID)
	assert.Empty(t, page.NextCursor)
}

func TestListForReconciliationFindsOverdueRecords(t *testing.T) {
	store, conn, _ := newTestStore(t)
	user := seedUser(t, conn)
	ending := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusActive, testNow.AddDate(0, 0, -1), func(s *models.Subscription) {
		s.CancelAtPeriodEnd = true
	})
	overdue := seedSubscription(t, conn, user.ID, enums.SubscriptionStatusPastDue, testNow.AddDate(0, 0, -10))
	seedSubscription(t, conn, user.ID, enums.SubscriptionStatusPastDue, testNow.AddDate(0, 0, -2))
	seedSubscription(t, conn, user.ID, enums.SubscriptionStatusActive, testNow.AddDate(0, 0, 10))

	subs, err := store.ListForReconciliation(context.Background(), 7*24*time.Hour, 10)
	require.NoError(t, err)
	ids := make(map[string]bool, len(subs))
	for _, s := range subs {
		ids[s.ID.String()] = true
	}
	assert.Len(t, subs, 2)
	assert.True(t, ids[ending.ID.String()])
	assert.True(t, ids[overdue.ID.String()])
}

func TestNewPlanCatalogSkipsBlankPrices(t *testing.T) {
	catalog := NewPlanCatalog(" price_m ", "")
	plan, ok := catalog.PlanFor("price_m")
	assert.True(t, ok)
	assert.Equal(t, enums.PlanTypeMonthly, plan)
	assert.Len(t, catalog, 1)
}
