package enums

import "fmt"

// AccessStatus is the user-facing subscription state the access decision reads.
type AccessStatus string

const (
	AccessStatusBetaAccess AccessStatus = "beta_access"
	AccessStatusTrial      AccessStatus = "trial"
	AccessStatusActive     AccessStatus = "active"
	AccessStatusPastDue    AccessStatus = "past_due"
	AccessStatusCanceled   AccessStatus = "canceled"
	AccessStatusUnpaid     AccessStatus = "unpaid"
	AccessStatusNone       AccessStatus = "none"
)

var validAccessStatuses = []AccessStatus{
	AccessStatusBetaAccess,
	AccessStatusTrial,
	AccessStatusActive,
	AccessStatusPastDue,
	AccessStatusCanceled,
	AccessStatusUnpaid,
	AccessStatusNone,
}

// String implements fmt.Stringer.
func (s AccessStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s AccessStatus) IsValid() bool {
	for _, candidate := range validAccessStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseAccessStatus converts raw input into an AccessStatus.
func ParseAccessStatus(value string) (AccessStatus, error) {
	for _, candidate := range validAccessStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid access status %q", value)
}
