package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/truvoice-backend/pkg/enums"
)

// Subscription persists the processor's subscription state per user.
type Subscription struct {
	ID                     uuid.UUID                `gorm:"type:uuid;primaryKey"`
	UserID                 uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	ExternalSubscriptionID string                   `gorm:"column:external_subscription_id;not null;unique"`
	ExternalCustomerID     string                   `gorm:"column:external_customer_id;not null"`
	PlanType               enums.PlanType           `gorm:"column:plan_type;type:plan_type;not null"`
	PriceID                string                   `gorm:"column:price_id;not null"`
	Status                 enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null"`
	CurrentPeriodStart     time.Time                `gorm:"column:current_period_start;not null"`
	CurrentPeriodEnd       time.Time                `gorm:"column:current_period_end;not null"`
	CancelAtPeriodEnd      bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CanceledAt             *time.Time               `gorm:"column:canceled_at"`
	CancelReason           *string                  `gorm:"column:cancel_reason"`
	CheckoutState          enums.CheckoutState      `gorm:"column:checkout_state;type:checkout_state;not null"`
	PaymentMethodBrand     *string                  `gorm:"column:payment_method_brand"`
	PaymentMethodLast4     *string                  `gorm:"column:payment_method_last4"`
	PaymentMethodExpMonth  *int                     `gorm:"column:payment_method_exp_month"`
	PaymentMethodExpYear   *int                     `gorm:"column:payment_method_exp_year"`
	ProcessorUpdatedAt     time.Time                `gorm:"column:processor_updated_at;not null"`
	Version                int                      `gorm:"column:version;not null;default:1"`
	Metadata               json.RawMessage          `gorm:"column:metadata;type:jsonb"`
	CreatedAt              time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate assigns the primary key when the caller did not.
func (s *Subscription) BeforeCreate(_ *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Version == 0 {
		s.Version = 1
	}
	return nil
}

// LiveAt reports whether the record is one a user may hold only once at the given instant.
func (s Subscription) LiveAt(now time.Time) bool {
	if s.Status.IsLive() {
		return true
	}
	return s.Status == enums.SubscriptionStatusCanceled && !now.After(s.CurrentPeriodEnd)
}
