package access

import (
	"time"

	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
)

// Snapshot is the user access state the engine reads.
type Snapshot struct {
	Status           enums.AccessStatus `json:"subscription_status"`
	BetaExpiresAt    *time.Time         `json:"beta_expires_at,omitempty"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty"`
}

// SnapshotFor derives the access state from the user row and the record that
// governs them (nil when they have none). A record governs when present unless
// it never got past payment confirmation; otherwise beta enrolment decides.
func SnapshotFor(user *models.User, sub *models.Subscription) Snapshot {
	snap := Snapshot{Status: enums.AccessStatusNone}
	if user != nil && user.BetaExpiresAt != nil {
		expires := *user.BetaExpiresAt
		snap.BetaExpiresAt = &expires
	}

	if sub != nil {
		if status, ok := statusFromRecord(sub.Status); ok {
			end := sub.CurrentPeriodEnd
			snap.Status = status
			snap.CurrentPeriodEnd = &end
			return snap
		}
	}

	if snap.BetaExpiresAt != nil {
		snap.Status = enums.AccessStatusBetaAccess
	}
	return snap
}

func statusFromRecord(status enums.SubscriptionStatus) (enums.AccessStatus, bool) {
	switch status {
	case enums.SubscriptionStatusTrialing:
		return enums.AccessStatusTrial, true
	case enums.SubscriptionStatusActive:
		return enums.AccessStatusActive, true
	case enums.SubscriptionStatusPastDue:
		return enums.AccessStatusPastDue, true
	case enums.SubscriptionStatusCanceled:
		return enums.AccessStatusCanceled, true
	case enums.SubscriptionStatusUnpaid:
		return enums.AccessStatusUnpaid, true
	default:
		return "", false
	}
}
