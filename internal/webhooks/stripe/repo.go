package stripewebhook

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
)

// ProcessedEventRepository records which processor events have been applied.
type ProcessedEventRepository struct {
	db *gorm.DB
}

func NewProcessedEventRepository(db *gorm.DB) *ProcessedEventRepository {
	return &ProcessedEventRepository{db: db}
}

// MarkProcessed inserts the event id inside tx. It reports false when the id
// was already recorded.
func (r *ProcessedEventRepository) MarkProcessed(ctx context.Context, tx *gorm.DB, event models.ProcessedEvent) (bool, error) {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeleteProcessedBefore prunes dedup rows older than cutoff.
func (r *ProcessedEventRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("processed_at < ?", cutoff).Delete(&models.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
