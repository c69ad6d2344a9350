package outbox

import (
	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	"github.com/angelmondragon/truvoice-backend/pkg/outbox/payloads"
)

// Causes recorded on subscription_changed events.
const (
	CauseProcessorEvent = "processor_event"
	CauseReconcile      = "reconcile"
	CauseCreate         = "create"
	CauseConfirm        = "confirm"
	CauseCancel         = "cancel"
	CausePaymentMethod  = "payment_method"
)

// SubscriptionChanged builds the event clients use to invalidate cached access state.
func SubscriptionChanged(sub *models.Subscription, cause string, actor *ActorRef) DomainEvent {
	return DomainEvent{
		EventType:     enums.EventSubscriptionChanged,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Actor:         actor,
		Version:       1,
		OccurredAt:    sub.UpdatedAt,
		Data: payloads.SubscriptionChangedEvent{
			SubscriptionID:    sub.ID,
			UserID:            sub.UserID,
			Status:            sub.Status,
			CheckoutState:     sub.CheckoutState,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			CurrentPeriodEnd:  sub.CurrentPeriodEnd,
			Cause:             cause,
			Version:           sub.Version,
		},
	}
}

// InvoiceRecorded builds the event for a new invoice line or an invoice status move.
func InvoiceRecorded(invoice *models.Invoice) DomainEvent {
	return DomainEvent{
		EventType:     enums.EventInvoiceRecorded,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   invoice.SubscriptionID,
		Version:       1,
		OccurredAt:    invoice.UpdatedAt,
		Data: payloads.InvoiceRecordedEvent{
			InvoiceID:         invoice.ID,
			SubscriptionID:    invoice.SubscriptionID,
			ExternalInvoiceID: invoice.ExternalInvoiceID,
			Status:            invoice.Status,
			AmountCents:       invoice.AmountCents,
			Currency:          invoice.Currency,
		},
	}
}
