package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/truvoice-backend/pkg/enums"
)

// Invoice is one billing line of a subscription.
type Invoice struct {
	ID                uuid.UUID           `gorm:"type:uuid;primaryKey"`
	SubscriptionID    uuid.UUID           `gorm:"column:subscription_id;type:uuid;not null;index"`
	ExternalInvoiceID string              `gorm:"column:external_invoice_id;not null;unique"`
	AmountCents       int64               `gorm:"column:amount_cents;not null"`
	Currency          string              `gorm:"column:currency;not null"`
	Status            enums.InvoiceStatus `gorm:"column:status;type:invoice_status;not null"`
	InvoiceDate       time.Time           `gorm:"column:invoice_date;not null"`
	PaidAt            *time.Time          `gorm:"column:paid_at"`
	HostedURL         *string             `gorm:"column:hosted_url"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName keeps invoices namespaced to billing.
func (Invoice) TableName() string {
	return "subscription_invoices"
}

// BeforeCreate assigns the primary key when the caller did not.
func (i *Invoice) BeforeCreate(_ *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
