package enums

import "fmt"

// PlanType is the billing cadence a user purchased.
type PlanType string

const (
	PlanTypeMonthly PlanType = "monthly"
	PlanTypeAnnual  PlanType = "annual"
)

var validPlanTypes = []PlanType{
	PlanTypeMonthly,
	PlanTypeAnnual,
}

// String implements fmt.Stringer.
func (p PlanType) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p PlanType) IsValid() bool {
	for _, candidate := range validPlanTypes {
		if candidate == p {
			return true
		}
	}
	return false
}

// MonthsPerPeriod is the number of months one billing period covers.
func (p PlanType) MonthsPerPeriod() int64 {
	if p == PlanTypeAnnual {
		return 12
	}
	return 1
}

// ParsePlanType converts raw input into a PlanType.
func ParsePlanType(value string) (PlanType, error) {
	for _, candidate := range validPlanTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan type %q", value)
}
