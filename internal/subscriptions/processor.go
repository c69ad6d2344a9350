package subscriptions

import (
	"context"
	"time"

	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
)

// Processor is the billing provider surface the gateway depends on.
type Processor interface {
	EnsureCustomer(ctx context.Context, user *models.User) (string, error)
	AttachPaymentMethod(ctx context.Context, customerID, token string) (*AttachedPaymentMethod, error)
	CreateSubscription(ctx context.Context, input ProcessorCreateInput) (*ProcessorSubscription, error)
	GetSubscription(ctx context.Context, externalID string) (*ProcessorSubscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, externalID string, cancel bool, reason string) (*ProcessorSubscription, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, externalID, paymentMethodID string) (*ProcessorSubscription, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// ProcessorCreateInput carries a subscription creation request.
type ProcessorCreateInput struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	IdempotencyKey  string
	Metadata        map[string]string
}

// AttachedPaymentMethod is a card the processor accepted for a customer.
type AttachedPaymentMethod struct {
	ID      string
	Summary PaymentMethodSummary
}

// PaymentMethodSummary is the display-only card summary.
type PaymentMethodSummary struct {
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// ProcessorSubscription is the processor's view of a subscription.
type ProcessorSubscription struct {
	ExternalID         string
	CustomerID         string
	Status             enums.SubscriptionStatus
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	CancelReason       string
	ClientSecret       string
	PaymentMethod      *PaymentMethodSummary
	Metadata           map[string]string
}

// MetadataUserID is the processor metadata key carrying the owning user id.
const MetadataUserID = "user_id"

// CheckoutStateFor maps a processor status onto the confirmation state machine.
func CheckoutStateFor(status enums.SubscriptionStatus) enums.CheckoutState {
	switch status {
	case enums.SubscriptionStatusActive, enums.SubscriptionStatusTrialing, enums.SubscriptionStatusPastDue:
		return enums.CheckoutStateActive
	case enums.SubscriptionStatusIncomplete:
		return enums.CheckoutStateRequiresConfirmation
	case enums.SubscriptionStatusIncompleteExpired, enums.SubscriptionStatusCanceled, enums.SubscriptionStatusUnpaid:
		return enums.CheckoutStateFailed
	default:
		return enums.CheckoutStateInitiated
	}
}
