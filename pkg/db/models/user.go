package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/truvoice-backend/pkg/enums"
)

// User is the identity row this service reads; issuance lives elsewhere.
type User struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Email              string         `gorm:"type:text;not null;uniqueIndex"`
	Role               enums.UserRole `gorm:"column:role;type:user_role;not null;default:'member'"`
	ExternalCustomerID *string        `gorm:"column:external_customer_id"`
	BetaExpiresAt      *time.Time     `gorm:"column:beta_expires_at"`
	CreatedAt          time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// InBeta reports whether the user was enrolled in the beta programme.
func (u User) InBeta() bool {
	return u.BetaExpiresAt != nil
}
