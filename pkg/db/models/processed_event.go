package models

import "time"

// ProcessedEvent marks a processor event id as applied.
type ProcessedEvent struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	EventType   string    `gorm:"column:event_type;not null"`
	EffectiveAt time.Time `gorm:"column:effective_at;not null"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

func (ProcessedEvent) TableName() string {
	return "billing_processed_events"
}
