package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	"github.com/angelmondragon/truvoice-backend/pkg/pagination"
)

// Repository handles subscription and invoice persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, sub *models.Subscription) error
	UpdateVersioned(ctx context.Context, sub *models.Subscription, expectedVersion int) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	FindByExternalIDForUpdate(ctx context.Context, externalID string) (*models.Subscription, error)
	ListLiveForUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.Subscription, error)
	FindLatestSettledForUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	ListUsersWithMultipleLive(ctx context.Context) ([]uuid.UUID, error)
	ListForReconciliation(ctx context.Context, query ReconcileQuery) ([]models.Subscription, error)

	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	UpdateInvoice(ctx context.Context, invoice *models.Invoice) error
	FindInvoiceByExternalIDForUpdate(ctx context.Context, externalID string) (*models.Invoice, error)
	ListInvoicesForUser(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Invoice, error)

	ListBillableAt(ctx context.Context, asOf time.Time) ([]models.Subscription, error)
	LatestPaidInvoices(ctx context.Context, subscriptionIDs []uuid.UUID, asOf time.Time) (map[uuid.UUID]models.Invoice, error)
	CountCanceledBetween(ctx context.Context, from, to time.Time) (int64, error)
	CountLiveAt(ctx context.Context, at time.Time) (int64, error)
}

// ReconcileQuery selects records whose processor state should have moved on.
type ReconcileQuery struct {
	Now   time.Time
	Grace time.Duration
	Limit int
}

// settledStatuses are records that reached payment at least once.
var settledStatuses = []enums.SubscriptionStatus{
	enums.SubscriptionStatusTrialing,
	enums.SubscriptionStatusActive,
	enums.SubscriptionStatusPastDue,
	enums.SubscriptionStatusCanceled,
	enums.SubscriptionStatusUnpaid,
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a subscription repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

// UpdateVersioned writes the record only when the stored version still matches.
func (r *repository) UpdateVersioned(ctx context.Context, sub *models.Subscription, expectedVersion int) error {
	sub.Version = expectedVersion + 1
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND version = ?", sub.ID, expectedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(sub)
	if res.Error != nil {
		sub.Version = expectedVersion
		return res.Error
	}
	if res.RowsAffected == 0 {
		sub.Version = expectedVersion
		return ErrVersionConflict
	}
	return nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *repository) FindByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	if externalID == "" {
		return nil, nil
	}
	return r.first(r.db.WithContext(ctx).Where("external_subscription_id = ?", externalID))
}

func (r *repository) FindByExternalIDForUpdate(ctx context.Context, externalID string) (*models.Subscription, error) {
	if externalID == "" {
		return nil, nil
	}
	return r.first(r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_subscription_id = ?", externalID))
}

// ListLiveForUser returns every record granting a live relationship, latest period end first.
func (r *repository) ListLiveForUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := r.liveScope(r.db.WithContext(ctx), now).
		Where("user_id = ?", userID).
		Order("current_period_end DESC").
		Order("id DESC").
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) FindLatestSettledForUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return r.first(r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, settledStatuses).
		Order("current_period_end DESC").
		Order("id DESC"))
}

// ListUsersWithMultipleLive returns users holding more than one active, trialing or past-due record.
func (r *repository) ListUsersWithMultipleLive(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("status IN ?", enums.LiveSubscriptionStatuses).
		Select("user_id").
		Group("user_id").
		Having("COUNT(*) > 1").
		Order("user_id").
		Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ListForReconciliation finds records a lost webhook may have left behind:
// cancellations past their period end and past-due records past grace.
func (r *repository) ListForReconciliation(ctx context.Context, query ReconcileQuery) ([]models.Subscription, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 200
	}
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("((cancel_at_period_end = ? AND status IN ? AND current_period_end < ?) OR (status = ? AND current_period_end < ?))",
			true, enums.LiveSubscriptionStatuses, query.Now,
			enums.SubscriptionStatusPastDue, query.Now.Add(-query.Grace)).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Create(invoice).Error
}

func (r *repository) UpdateInvoice(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Save(invoice).Error
}

func (r *repository) FindInvoiceByExternalIDForUpdate(ctx context.Context, externalID string) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_invoice_id = ?", externalID).
		First(&invoice).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

// ListInvoicesForUser returns invoices newest first, limit+1 rows so callers can detect a next page.
func (r *repository) ListInvoicesForUser(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.Invoice, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Select("subscription_invoices.*").
		Joins("JOIN subscriptions ON subscriptions.id = subscription_invoices.subscription_id").
		Where("subscriptions.user_id = ?", userID)
	if cursor != nil {
		query = query.Where(
			"((subscription_invoices.invoice_date < ?) OR (subscription_invoices.invoice_date = ? AND subscription_invoices.id < ?))",
			cursor.At, cursor.At, cursor.ID,
		)
	}
	var invoices []models.Invoice
	if err := query.
		Order("subscription_invoices.invoice_date DESC").
		Order("subscription_invoices.id DESC").
		Limit(pagination.LimitWithBuffer(limit)).
		Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

// ListBillableAt returns records that were generating revenue at asOf.
func (r *repository) ListBillableAt(ctx context.Context, asOf time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []enums.SubscriptionStatus{enums.SubscriptionStatusActive, enums.SubscriptionStatusPastDue}).
		Where("current_period_start <= ?", asOf).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) LatestPaidInvoices(ctx context.Context, subscriptionIDs []uuid.UUID, asOf time.Time) (map[uuid.UUID]models.Invoice, error) {
	out := make(map[uuid.UUID]models.Invoice, len(subscriptionIDs))
	if len(subscriptionIDs) == 0 {
		return out, nil
	}
	var invoices []models.Invoice
	if err := r.db.WithContext(ctx).
		Where("subscription_id IN ? AND status = ? AND paid_at <= ?", subscriptionIDs, enums.InvoiceStatusPaid, asOf).
		Order("paid_at DESC").
		Find(&invoices).Error; err != nil {
		return nil, err
	}
	for _, inv := range invoices {
		if _, seen := out[inv.SubscriptionID]; !seen {
			out[inv.SubscriptionID] = inv
		}
	}
	return out, nil
}

func (r *repository) CountCanceledBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("status = ? AND canceled_at >= ? AND canceled_at < ?", enums.SubscriptionStatusCanceled, from, to).
		Count(&count).Error
	return count, err
}

// CountLiveAt counts records that had started and were not yet canceled at the instant.
func (r *repository) CountLiveAt(ctx context.Context, at time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("status IN ?", settledStatuses).
		Where("current_period_start <= ?", at).
		Where("(canceled_at IS NULL OR canceled_at >= ?)", at).
		Count(&count).Error
	return count, err
}

func (r *repository) liveScope(query *gorm.DB, now time.Time) *gorm.DB {
	return query.Where(
		"((status IN ?) OR (status = ? AND current_period_end >= ?))",
		enums.LiveSubscriptionStatuses, enums.SubscriptionStatusCanceled, now,
	)
}

func (r *repository) first(query *gorm.DB) (*models.Subscription, error) {
	var sub models.Subscription
	if err := query.First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}
