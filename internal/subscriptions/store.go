package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/truvoice-backend/pkg/db"
	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/outbox"
	"github.com/angelmondragon/truvoice-backend/pkg/pagination"
)

// AnomalyDuplicateActive is logged when a user holds more than one live record.
const AnomalyDuplicateActive = "duplicate_active"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type anomalyRecorder interface {
	IncAnomaly(kind string)
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// PlanCatalog maps allowed processor price ids to the plan they bill.
type PlanCatalog map[string]enums.PlanType

// NewPlanCatalog builds the catalog from the configured price ids. Blank ids are skipped.
func NewPlanCatalog(monthlyPriceID, annualPriceID string) PlanCatalog {
	catalog := PlanCatalog{}
	if id := strings.TrimSpace(monthlyPriceID); id != "" {
		catalog[id] = enums.PlanTypeMonthly
	}
	if id := strings.TrimSpace(annualPriceID); id != "" {
		catalog[id] = enums.PlanTypeAnnual
	}
	return catalog
}

// PlanFor resolves a price id; unknown prices report false.
func (c PlanCatalog) PlanFor(priceID string) (enums.PlanType, bool) {
	plan, ok := c[strings.TrimSpace(priceID)]
	return plan, ok
}

// StoreParams groups dependencies for the record store.
type StoreParams struct {
	Repository        Repository
	TransactionRunner txRunner
	Logger            *logger.Logger
	Metrics           anomalyRecorder
	Events            eventEmitter
	Plans             PlanCatalog
	Clock             func() time.Time
}

// Store enforces the record invariants on top of the repository.
type Store struct {
	repo    Repository
	tx      txRunner
	logg    *logger.Logger
	metrics anomalyRecorder
	events  eventEmitter
	plans   PlanCatalog
	now     func() time.Time
}

// TransitionResult reports the record after a transition and whether it changed.
type TransitionResult struct {
	Subscription *models.Subscription
	Applied      bool
	Created      bool
}

// InvoiceInput is an invoice line reported by the processor.
type InvoiceInput struct {
	ExternalID  string
	AmountCents int64
	Currency    string
	Status      enums.InvoiceStatus
	InvoiceDate time.Time
	PaidAt      *time.Time
	HostedURL   string
}

// AppendResult reports the stored invoice and whether this call inserted it.
type AppendResult struct {
	Invoice *models.Invoice
	Created bool
}

// InvoicePage is one cursor page of invoices.
type InvoicePage struct {
	Invoices   []models.Invoice
	NextCursor string
}

// NewStore validates dependencies and builds a Store.
func NewStore(params StoreParams) (*Store, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("subscription repository required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		repo:    params.Repository,
		tx:      params.TransactionRunner,
		logg:    params.Logger,
		metrics: params.Metrics,
		events:  params.Events,
		plans:   params.Plans,
		now:     clock,
	}, nil
}

// WithTx returns a store whose reads and writes join the caller's transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	if tx == nil {
		return s
	}
	cp := *s
	cp.repo = s.repo.WithTx(tx)
	cp.tx = joinedTx{tx: tx}
	return &cp
}

type joinedTx struct {
	tx *gorm.DB
}

func (j joinedTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(j.tx)
}

// Plans exposes the price allow-list.
func (s *Store) Plans() PlanCatalog {
	return s.plans
}

// GetActiveForUser returns the one record that governs a live relationship, or nil.
// A canceled record still inside its paid period counts as a candidate. More than
// one active, trialing or past-due record is an invariant violation: the latest
// period end wins and the anomaly is logged for reconciliation.
func (s *Store) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	candidates, err := s.repo.ListLiveForUser(ctx, userID, s.now())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load active subscription")
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.Status.IsLive() {
			ids = append(ids, c.ID.String())
		}
	}
	if len(ids) > 1 {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"user_id":       userID.String(),
			"candidate_ids": ids,
			"chosen_id":     candidates[0].ID.String(),
		})
		s.logg.Warn(logCtx, "subscription.anomaly.duplicate_active")
		if s.metrics != nil {
			s.metrics.IncAnomaly(AnomalyDuplicateActive)
		}
	}
	chosen := candidates[0]
	return &chosen, nil
}

// GetCurrentForUser returns the live record or, when none, the most recent one that reached payment.
func (s *Store) GetCurrentForUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.GetActiveForUser(ctx, userID)
	if err != nil || sub != nil {
		return sub, err
	}
	sub, err = s.repo.FindLatestSettledForUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load latest subscription")
	}
	return sub, nil
}

// FindByExternalID loads the record for a processor subscription id, or nil.
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	sub, err := s.repo.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	return sub, nil
}

// FindByID loads one record.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	return sub, nil
}

// ApplyStatusTransition moves one record to newStatus as of effectiveAt.
// An effectiveAt older than the last applied processor state is a no-op.
func (s *Store) ApplyStatusTransition(ctx context.Context, subscriptionID uuid.UUID, newStatus enums.SubscriptionStatus, effectiveAt time.Time) (*TransitionResult, error) {
	if !newStatus.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown subscription status %q", newStatus))
	}
	var result *TransitionResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := repo.FindByIDForUpdate(ctx, subscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		if isStale(sub, effectiveAt) {
			result = &TransitionResult{Subscription: sub}
			return nil
		}
		expected := sub.Version
		if err := s.transition(sub, newStatus, effectiveAt); err != nil {
			return err
		}
		if err := s.save(ctx, tx, repo, sub, expected, outbox.CauseProcessorEvent, nil); err != nil {
			return err
		}
		result = &TransitionResult{Subscription: sub, Applied: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertFromProcessor creates or refreshes the record matching the processor
// snapshot. userID is required only when the record does not exist yet.
func (s *Store) UpsertFromProcessor(ctx context.Context, userID uuid.UUID, snap ProcessorSubscription, effectiveAt time.Time, cause string) (*TransitionResult, error) {
	if strings.TrimSpace(snap.ExternalID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external subscription id required")
	}
	if !snap.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown subscription status %q", snap.Status))
	}
	if !snap.CurrentPeriodEnd.After(snap.CurrentPeriodStart) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "current period end must be after start")
	}

	var result *TransitionResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		sub, err := repo.FindByExternalIDForUpdate(ctx, snap.ExternalID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
		}
		if sub == nil {
			created, err := s.createFromProcessor(ctx, repo, userID, snap, effectiveAt)
			if err != nil {
				return err
			}
			if err := s.emit(ctx, tx, outbox.SubscriptionChanged(created, cause, nil)); err != nil {
				return err
			}
			result = &TransitionResult{Subscription: created, Applied: true, Created: true}
			return nil
		}
		if isStale(sub, effectiveAt) {
			result = &TransitionResult{Subscription: sub}
			return nil
		}
		expected := sub.Version
		if err := s.transition(sub, snap.Status, effectiveAt); err != nil {
			return err
		}
		s.mergeSnapshot(sub, snap)
		if err := s.save(ctx, tx, repo, sub, expected, cause, nil); err != nil {
			return err
		}
		result = &TransitionResult{Subscription: sub, Applied: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendInvoice records an invoice line once per external id. A replay returns
// the stored line; a replay carrying a different status is applied as a transition.
func (s *Store) AppendInvoice(ctx context.Context, subscriptionID uuid.UUID, input InvoiceInput) (*AppendResult, error) {
	if strings.TrimSpace(input.ExternalID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external invoice id required")
	}
	if !input.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown invoice status %q", input.Status))
	}

	var result *AppendResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.FindInvoiceByExternalIDForUpdate(ctx, input.ExternalID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock invoice")
		}
		if existing != nil {
			if existing.SubscriptionID != subscriptionID {
				return pkgerrors.New(pkgerrors.CodeConflict, "invoice belongs to another subscription")
			}
			if existing.Status != input.Status {
				if err := s.transitionInvoice(ctx, tx, repo, existing, input.Status, input.PaidAt); err != nil {
					return err
				}
			}
			result = &AppendResult{Invoice: existing}
			return nil
		}

		invoice := &models.Invoice{
			SubscriptionID:    subscriptionID,
			ExternalInvoiceID: input.ExternalID,
			AmountCents:       input.AmountCents,
			Currency:          strings.ToLower(strings.TrimSpace(input.Currency)),
			Status:            input.Status,
			InvoiceDate:       input.InvoiceDate.UTC(),
			PaidAt:            input.PaidAt,
		}
		if input.HostedURL != "" {
			url := input.HostedURL
			invoice.HostedURL = &url
		}
		if invoice.Status == enums.InvoiceStatusPaid && invoice.PaidAt == nil {
			paidAt := s.now()
			invoice.PaidAt = &paidAt
		}
		if err := repo.CreateInvoice(ctx, invoice); err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "invoice recorded concurrently")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert invoice")
		}
		if err := s.emit(ctx, tx, outbox.InvoiceRecorded(invoice)); err != nil {
			return err
		}
		result = &AppendResult{Invoice: invoice, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyInvoiceStatus moves an invoice forward; backward moves are InvalidTransition.
func (s *Store) ApplyInvoiceStatus(ctx context.Context, externalInvoiceID string, newStatus enums.InvoiceStatus, paidAt *time.Time) (*models.Invoice, error) {
	var out *models.Invoice
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		invoice, err := repo.FindInvoiceByExternalIDForUpdate(ctx, externalInvoiceID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock invoice")
		}
		if invoice == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "invoice not found")
		}
		if err := s.transitionInvoice(ctx, tx, repo, invoice, newStatus, paidAt); err != nil {
			return err
		}
		out = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListInvoices returns one page of the user's invoices, newest first.
func (s *Store) ListInvoices(ctx context.Context, userID uuid.UUID, params pagination.Params) (*InvoicePage, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.ListInvoicesForUser(ctx, userID, cursor, params.Limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list invoices")
	}
	page, next := pagination.Trim(rows, params.Limit, func(inv models.Invoice) pagination.Cursor {
		return pagination.Cursor{At: inv.InvoiceDate, ID: inv.ID}
	})
	return &InvoicePage{Invoices: page, NextCursor: next}, nil
}

// UsersWithDuplicateLive lists users violating the one-live-record rule.
func (s *Store) UsersWithDuplicateLive(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := s.repo.ListUsersWithMultipleLive(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "scan live subscriptions")
	}
	return ids, nil
}

// ListForReconciliation lists records whose processor state is overdue for a change.
func (s *Store) ListForReconciliation(ctx context.Context, grace time.Duration, limit int) ([]models.Subscription, error) {
	subs, err := s.repo.ListForReconciliation(ctx, ReconcileQuery{Now: s.now(), Grace: grace, Limit: limit})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list reconcile candidates")
	}
	return subs, nil
}

func (s *Store) createFromProcessor(ctx context.Context, repo Repository, userID uuid.UUID, snap ProcessorSubscription, effectiveAt time.Time) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required to create subscription")
	}
	plan, ok := s.plans.PlanFor(snap.PriceID)
	if !ok {
		plan = enums.PlanTypeMonthly
		s.logg.Warn(s.logg.WithField(ctx, "price_id", snap.PriceID), "subscription.price.unknown")
	}
	sub := &models.Subscription{
		UserID:                 userID,
		ExternalSubscriptionID: snap.ExternalID,
		ExternalCustomerID:     snap.CustomerID,
		PlanType:               plan,
		PriceID:                snap.PriceID,
		Status:                 snap.Status,
		CheckoutState:          CheckoutStateFor(snap.Status),
		ProcessorUpdatedAt:     effectiveAt.UTC(),
	}
	s.mergeSnapshot(sub, snap)
	if sub.Status == enums.SubscriptionStatusCanceled && sub.CanceledAt == nil {
		at := effectiveAt.UTC()
		sub.CanceledAt = &at
	}
	if err := repo.Create(ctx, sub); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "subscription created concurrently")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert subscription")
	}
	return sub, nil
}

// transition validates and applies a status move in memory.
func (s *Store) transition(sub *models.Subscription, next enums.SubscriptionStatus, effectiveAt time.Time) error {
	if !sub.Status.CanTransitionTo(next) {
		return invalidTransition(sub.Status.String(), next.String())
	}
	if next == enums.SubscriptionStatusCanceled && sub.CanceledAt == nil {
		at := effectiveAt.UTC()
		if effectiveAt.IsZero() {
			at = s.now()
		}
		sub.CanceledAt = &at
	}
	sub.Status = next
	if derived := CheckoutStateFor(next); sub.CheckoutState != derived && sub.CheckoutState.CanTransitionTo(derived) {
		sub.CheckoutState = derived
	}
	if effectiveAt.After(sub.ProcessorUpdatedAt) {
		sub.ProcessorUpdatedAt = effectiveAt.UTC()
	}
	return nil
}

func (s *Store) mergeSnapshot(sub *models.Subscription, snap ProcessorSubscription) {
	sub.CurrentPeriodStart = snap.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = snap.CurrentPeriodEnd.UTC()
	sub.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	if snap.CustomerID != "" {
		sub.ExternalCustomerID = snap.CustomerID
	}
	if snap.PriceID != "" && snap.PriceID != sub.PriceID {
		sub.PriceID = snap.PriceID
		if plan, ok := s.plans.PlanFor(snap.PriceID); ok {
			sub.PlanType = plan
		}
	}
	if snap.CanceledAt != nil && sub.CanceledAt == nil {
		at := snap.CanceledAt.UTC()
		sub.CanceledAt = &at
	}
	if reason := strings.TrimSpace(snap.CancelReason); reason != "" && sub.CancelReason == nil {
		sub.CancelReason = &reason
	}
	if snap.PaymentMethod != nil {
		applyCardSummary(sub, *snap.PaymentMethod)
	}
}

func (s *Store) save(ctx context.Context, tx *gorm.DB, repo Repository, sub *models.Subscription, expected int, cause string, actor *outbox.ActorRef) error {
	if !sub.CurrentPeriodEnd.After(sub.CurrentPeriodStart) {
		return pkgerrors.New(pkgerrors.CodeValidation, "current period end must be after start")
	}
	if err := repo.UpdateVersioned(ctx, sub, expected); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "subscription modified concurrently")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
	}
	return s.emit(ctx, tx, outbox.SubscriptionChanged(sub, cause, actor))
}

func (s *Store) emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	if s.events == nil {
		return nil
	}
	if err := s.events.Emit(ctx, tx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue billing event")
	}
	return nil
}

func (s *Store) transitionInvoice(ctx context.Context, tx *gorm.DB, repo Repository, invoice *models.Invoice, next enums.InvoiceStatus, paidAt *time.Time) error {
	if invoice.Status == next {
		return nil
	}
	if !invoice.Status.CanTransitionTo(next) {
		return invalidTransition(invoice.Status.String(), next.String())
	}
	invoice.Status = next
	if next == enums.InvoiceStatusPaid {
		at := s.now()
		if paidAt != nil {
			at = paidAt.UTC()
		}
		invoice.PaidAt = &at
	}
	if err := repo.UpdateInvoice(ctx, invoice); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update invoice")
	}
	return s.emit(ctx, tx, outbox.InvoiceRecorded(invoice))
}

func applyCardSummary(sub *models.Subscription, card PaymentMethodSummary) {
	brand, last4 := strings.ToLower(card.Brand), card.Last4
	month, year := card.ExpMonth, card.ExpYear
	sub.PaymentMethodBrand = &brand
	sub.PaymentMethodLast4 = &last4
	sub.PaymentMethodExpMonth = &month
	sub.PaymentMethodExpYear = &year
}

func isStale(sub *models.Subscription, effectiveAt time.Time) bool {
	return !effectiveAt.IsZero() && effectiveAt.Before(sub.ProcessorUpdatedAt)
}
