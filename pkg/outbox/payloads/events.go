package payloads

import (
	"time"

	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	"github.com/google/uuid"
)

// SubscriptionChangedEvent tells clients to drop cached access state for the user.
type SubscriptionChangedEvent struct {
	SubscriptionID    uuid.UUID                `json:"subscription_id"`
	UserID            uuid.UUID                `json:"user_id"`
	Status            enums.SubscriptionStatus `json:"status"`
	CheckoutState     enums.CheckoutState      `json:"checkout_state"`
	CancelAtPeriodEnd bool                     `json:"cancel_at_period_end"`
	CurrentPeriodEnd  time.Time                `json:"current_period_end"`
	Cause             string                   `json:"cause"`
	Version           int                      `json:"version"`
}

// InvoiceRecordedEvent reports a new invoice line or an invoice status move.
type InvoiceRecordedEvent struct {
	InvoiceID         uuid.UUID           `json:"invoice_id"`
	SubscriptionID    uuid.UUID           `json:"subscription_id"`
	ExternalInvoiceID string              `json:"external_invoice_id"`
	Status            enums.InvoiceStatus `json:"status"`
	AmountCents       int64               `json:"amount_cents"`
	Currency          string              `json:"currency"`
}
