package enums

import "fmt"

// AccessReason explains an access verdict.
type AccessReason string

const (
	AccessReasonBetaActive      AccessReason = "beta_active"
	AccessReasonBetaGrace       AccessReason = "beta_grace"
	AccessReasonBetaExpired     AccessReason = "beta_expired"
	AccessReasonTrialing        AccessReason = "trialing"
	AccessReasonActive          AccessReason = "active"
	AccessReasonPastDueGrace    AccessReason = "past_due_grace"
	AccessReasonPastDueExpired  AccessReason = "past_due_expired"
	AccessReasonCanceledButPaid AccessReason = "canceled_but_paid"
	AccessReasonCanceledExpired AccessReason = "canceled_expired"
	AccessReasonNoSubscription  AccessReason = "no_subscription"
)

var validAccessReasons = []AccessReason{
	AccessReasonBetaActive,
	AccessReasonBetaGrace,
	AccessReasonBetaExpired,
	AccessReasonTrialing,
	AccessReasonActive,
	AccessReasonPastDueGrace,
	AccessReasonPastDueExpired,
	AccessReasonCanceledButPaid,
	AccessReasonCanceledExpired,
	AccessReasonNoSubscription,
}

// String implements fmt.Stringer.
func (r AccessReason) String() string {
	return string(r)
}

// IsValid reports whether the value is known.
func (r AccessReason) IsValid() bool {
	for _, candidate := range validAccessReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseAccessReason converts raw input into an AccessReason.
func ParseAccessReason(value string) (AccessReason, error) {
	for _, candidate := range validAccessReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid access reason %q", value)
}
