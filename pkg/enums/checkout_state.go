package enums

import "fmt"

// CheckoutState tracks a subscription creation through payment confirmation.
type CheckoutState string

const (
	CheckoutStateInitiated            CheckoutState = "initiated"
	CheckoutStateRequiresConfirmation CheckoutState = "requires_confirmation"
	CheckoutStateActive               CheckoutState = "active"
	CheckoutStateFailed               CheckoutState = "failed"
)

var validCheckoutStates = []CheckoutState{
	CheckoutStateInitiated,
	CheckoutStateRequiresConfirmation,
	CheckoutStateActive,
	CheckoutStateFailed,
}

var checkoutTransitions = map[CheckoutState][]CheckoutState{
	CheckoutStateInitiated:            {CheckoutStateRequiresConfirmation, CheckoutStateActive, CheckoutStateFailed},
	CheckoutStateRequiresConfirmation: {CheckoutStateActive, CheckoutStateFailed},
}

// String implements fmt.Stringer.
func (s CheckoutState) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s CheckoutState) IsValid() bool {
	for _, candidate := range validCheckoutStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition exists.
func (s CheckoutState) IsTerminal() bool {
	return s == CheckoutStateActive || s == CheckoutStateFailed
}

// CanTransitionTo reports whether the state machine allows s -> next.
// Staying in the same state is allowed.
func (s CheckoutState) CanTransitionTo(next CheckoutState) bool {
	if s == next {
		return next.IsValid()
	}
	for _, candidate := range checkoutTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseCheckoutState converts raw input into a CheckoutState.
func ParseCheckoutState(value string) (CheckoutState, error) {
	for _, candidate := range validCheckoutStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid checkout state %q", value)
}
