// Package access decides whether a user may use the product at a given instant.
// The functions here are pure: the same snapshot and time always produce the
// same verdict, so server middleware and client navigation agree.
package access

import (
	"time"

	"github.com/angelmondragon/truvoice-backend/pkg/enums"
)

// GracePeriod is added to a boundary instant before access is withdrawn.
// It is a wall-clock duration, not calendar days.
const GracePeriod = 7 * 24 * time.Hour

// Verdict is the outcome of a decision.
type Verdict struct {
	HasAccess   bool               `json:"has_access"`
	Reason      enums.AccessReason `json:"reason_code"`
	Message     string             `json:"message"`
	Degraded    bool               `json:"degraded"`
	AccessUntil *time.Time         `json:"access_until,omitempty"`
}

var messages = map[enums.AccessReason]string{
	enums.AccessReasonBetaActive:      "Your beta access is active.",
	enums.AccessReasonBetaGrace:       "Your beta period has ended. Choose a plan soon to keep your access.",
	enums.AccessReasonBetaExpired:     "Your beta access has expired. Choose a plan to continue.",
	enums.AccessReasonTrialing:        "Your free trial is active.",
	enums.AccessReasonActive:          "Your subscription is active.",
	enums.AccessReasonPastDueGrace:    "We could not process your last payment. Update your payment method to keep access.",
	enums.AccessReasonPastDueExpired:  "Your payment is overdue and access is paused. Update your payment method to restore it.",
	enums.AccessReasonCanceledButPaid: "Your subscription is canceled. You keep access until the end of the paid period.",
	enums.AccessReasonCanceledExpired: "Your subscription has ended. Resubscribe to continue.",
	enums.AccessReasonNoSubscription:  "Choose a plan to start using the coach.",
}

// MessageFor returns the fixed user-facing sentence for a reason.
func MessageFor(reason enums.AccessReason) string {
	if msg, ok := messages[reason]; ok {
		return msg
	}
	return messages[enums.AccessReasonNoSubscription]
}

// Decide maps a snapshot to a verdict at now. The first matching row wins.
// A bounded status whose boundary is missing is treated as already expired.
func Decide(s Snapshot, now time.Time) Verdict {
	switch s.Status {
	case enums.AccessStatusBetaAccess:
		if s.BetaExpiresAt == nil {
			return deny(enums.AccessReasonBetaExpired)
		}
		end := *s.BetaExpiresAt
		if !now.After(end) {
			return grant(enums.AccessReasonBetaActive, false, &end)
		}
		graceEnd := end.Add(GracePeriod)
		if !now.After(graceEnd) {
			return grant(enums.AccessReasonBetaGrace, true, &graceEnd)
		}
		return deny(enums.AccessReasonBetaExpired)

	case enums.AccessStatusTrial:
		return grant(enums.AccessReasonTrialing, false, nil)

	case enums.AccessStatusActive:
		return grant(enums.AccessReasonActive, false, nil)

	case enums.AccessStatusPastDue:
		if s.CurrentPeriodEnd == nil {
			return deny(enums.AccessReasonPastDueExpired)
		}
		graceEnd := s.CurrentPeriodEnd.Add(GracePeriod)
		if !now.After(graceEnd) {
			return grant(enums.AccessReasonPastDueGrace, true, &graceEnd)
		}
		return deny(enums.AccessReasonPastDueExpired)

	case enums.AccessStatusCanceled:
		if s.CurrentPeriodEnd == nil {
			return deny(enums.AccessReasonCanceledExpired)
		}
		end := *s.CurrentPeriodEnd
		if !now.After(end) {
			return grant(enums.AccessReasonCanceledButPaid, false, &end)
		}
		return deny(enums.AccessReasonCanceledExpired)

	default:
		return deny(enums.AccessReasonNoSubscription)
	}
}

func grant(reason enums.AccessReason, degraded bool, until *time.Time) Verdict {
	return Verdict{
		HasAccess:   true,
		Reason:      reason,
		Message:     MessageFor(reason),
		Degraded:    degraded,
		AccessUntil: until,
	}
}

func deny(reason enums.AccessReason) Verdict {
	return Verdict{
		Reason:  reason,
		Message: MessageFor(reason),
	}
}
