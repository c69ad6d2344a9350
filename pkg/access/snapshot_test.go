package access

import (
	"testing"
	"time"

	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
)

func TestSnapshotForRecordStatuses(t *testing.T) {
	end := fixedNow.Add(10 * day)
	cases := map[enums.SubscriptionStatus]enums.AccessStatus{
		enums.SubscriptionStatusTrialing: enums.AccessStatusTrial,
		enums.SubscriptionStatusActive:   enums.AccessStatusActive,
		enums.SubscriptionStatusPastDue:  enums.AccessStatusPastDue,
		enums.SubscriptionStatusCanceled: enums.AccessStatusCanceled,
		enums.SubscriptionStatusUnpaid:   enums.AccessStatusUnpaid,
	}
	for status, want := range cases {
		snap := SnapshotFor(&models.User{}, &models.Subscription{Status: status, CurrentPeriodEnd: end})
		if snap.Status != want {
			t.Fatalf("%s: expected %s, got %s", status, want, snap.Status)
		}
		if snap.CurrentPeriodEnd == nil || !snap.CurrentPeriodEnd.Equal(end) {
			t.Fatalf("%s: period end not carried", status)
		}
	}
}

func TestSnapshotForRecordOverridesBeta(t *testing.T) {
	beta := fixedNow.Add(-30 * day)
	user := &models.User{BetaExpiresAt: &beta}
	sub := &models.Subscription{Status: enums.SubscriptionStatusActive, CurrentPeriodEnd: fixedNow.Add(day)}

	snap := SnapshotFor(user, sub)
	if snap.Status != enums.AccessStatusActive {
		t.Fatalf("expected record to govern, got %s", snap.Status)
	}
	if snap.BetaExpiresAt == nil {
		t.Fatalf("beta expiry should still be reported")
	}
}

func TestSnapshotForBetaWithoutRecord(t *testing.T) {
	beta := fixedNow.Add(3 * day)
	snap := SnapshotFor(&models.User{BetaExpiresAt: &beta}, nil)
	if snap.Status != enums.AccessStatusBetaAccess {
		t.Fatalf("expected beta_access, got %s", snap.Status)
	}
	if v := Decide(snap, fixedNow); v.Reason != enums.AccessReasonBetaActive {
		t.Fatalf("expected beta_active verdict, got %s", v.Reason)
	}
}

func TestSnapshotForIncompleteFallsThrough(t *testing.T) {
	beta := fixedNow.Add(3 * day)
	for _, status := range []enums.SubscriptionStatus{enums.SubscriptionStatusIncomplete, enums.SubscriptionStatusIncompleteExpired} {
		sub := &models.Subscription{Status: status, CurrentPeriodEnd: fixedNow.Add(30 * day)}
		if snap := SnapshotFor(&models.User{}, sub); snap.Status != enums.AccessStatusNone {
			t.Fatalf("%s without beta: expected none, got %s", status, snap.Status)
		}
		if snap := SnapshotFor(&models.User{BetaExpiresAt: &beta}, sub); snap.Status != enums.AccessStatusBetaAccess {
			t.Fatalf("%s with beta: expected beta_access, got %s", status, snap.Status)
		}
	}
}

func TestSnapshotForNobody(t *testing.T) {
	if snap := SnapshotFor(nil, nil); snap.Status != enums.AccessStatusNone {
		t.Fatalf("expected none, got %s", snap.Status)
	}
}

// Cancel sets a flag only; access holds through the paid period and the
// processor's later transition to canceled keeps the same boundary.
func TestCancelAtPeriodEndKeepsAccessUntilBoundary(t *testing.T) {
	periodEnd := fixedNow.Add(5 * day)
	sub := &models.Subscription{
		Status:            enums.SubscriptionStatusActive,
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  periodEnd,
	}

	if v := Decide(SnapshotFor(nil, sub), fixedNow); !v.HasAccess || v.Reason != enums.AccessReasonActive {
		t.Fatalf("expected active access right after cancel, got %+v", v)
	}

	sub.Status = enums.SubscriptionStatusCanceled
	if v := Decide(SnapshotFor(nil, sub), periodEnd); !v.HasAccess {
		t.Fatalf("expected access at period end, got %+v", v)
	}
	if v := Decide(SnapshotFor(nil, sub), periodEnd.Add(time.Nanosecond)); v.HasAccess {
		t.Fatalf("expected no access after period end, got %+v", v)
	}
}
