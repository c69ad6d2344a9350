package subscriptions

import (
	"errors"

	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
)

var (
	// ErrAlreadySubscribed is returned when the user already holds a live record.
	ErrAlreadySubscribed = errors.New("user already has a live subscription")
	// ErrNoActiveSubscription is returned when an operation needs a live record and none exists.
	ErrNoActiveSubscription = errors.New("no active subscription")
	// ErrInvalidTransition is returned for status moves the lifecycle rules forbid.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPaymentMethodInvalid is returned when the processor refuses the card or token.
	ErrPaymentMethodInvalid = errors.New("payment method invalid")
	// ErrOutcomeUnknown is returned when a processor call may or may not have been applied.
	ErrOutcomeUnknown = errors.New("processor outcome unknown")
	// ErrVersionConflict is returned when a guarded update lost a concurrent write.
	ErrVersionConflict = errors.New("subscription version conflict")
)

func alreadySubscribed() error {
	return pkgerrors.Wrap(pkgerrors.CodeConflict, ErrAlreadySubscribed, "an active subscription already exists")
}

func noActiveSubscription() error {
	return pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrNoActiveSubscription, "no active subscription")
}

func invalidTransition(from, to string) error {
	return pkgerrors.Wrap(pkgerrors.CodeStateConflict, ErrInvalidTransition, "transition not allowed").
		WithDetails(map[string]string{"from": from, "to": to})
}

// PaymentMethodInvalid wraps a processor refusal with the public decline reason.
func PaymentMethodInvalid(cause error, reason string) error {
	return pkgerrors.Wrap(pkgerrors.CodePaymentMethodInvalid, errors.Join(ErrPaymentMethodInvalid, cause), "payment method was declined").
		WithDetails(map[string]string{"reason": reason})
}

// OutcomeUnknown wraps a processor call whose result could not be observed.
func OutcomeUnknown(cause error) error {
	return pkgerrors.Wrap(pkgerrors.CodeOutcomeUnknown, errors.Join(ErrOutcomeUnknown, cause), "processor outcome unknown")
}
