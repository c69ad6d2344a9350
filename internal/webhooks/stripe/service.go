package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/truvoice-backend/internal/subscriptions"
	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/outbox"
)

// Outcome labels one handled event for logs and metrics.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeMalformed Outcome = "malformed"
	OutcomeAnomaly   Outcome = "anomaly"
	OutcomeFailed    Outcome = "failed"
)

const anomalyInvoiceRegression = "invoice_regression"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type customerLookup interface {
	FindByExternalCustomerID(ctx context.Context, customerID string) (*models.User, error)
}

type processedEvents interface {
	MarkProcessed(ctx context.Context, tx *gorm.DB, event models.ProcessedEvent) (bool, error)
}

type eventObserver interface {
	ObserveWebhook(eventType, outcome string)
	IncAnomaly(kind string)
}

type ServiceParams struct {
	Store             *subscriptions.Store
	Users             customerLookup
	Processed         processedEvents
	TransactionRunner txRunner
	Logger            *logger.Logger
	Metrics           eventObserver
}

// Service applies processor lifecycle events to the subscription store.
type Service struct {
	store     *subscriptions.Store
	users     customerLookup
	processed processedEvents
	tx        txRunner
	logg      *logger.Logger
	metrics   eventObserver
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription store required")
	}
	if params.Users == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "user lookup required")
	}
	if params.Processed == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "processed event repository required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		store:     params.Store,
		users:     params.Users,
		processed: params.Processed,
		tx:        params.TransactionRunner,
		logg:      params.Logger,
		metrics:   params.Metrics,
	}, nil
}

var subscriptionEvents = map[stripe.EventType]struct{}{
	stripe.EventTypeCustomerSubscriptionCreated: {},
	stripe.EventTypeCustomerSubscriptionUpdated: {},
	stripe.EventTypeCustomerSubscriptionDeleted: {},
	stripe.EventTypeCustomerSubscriptionPaused:  {},
	stripe.EventTypeCustomerSubscriptionResumed: {},
}

var invoiceEvents = map[stripe.EventType]struct{}{
	stripe.EventTypeInvoiceCreated:             {},
	stripe.EventTypeInvoiceFinalized:           {},
	stripe.EventTypeInvoicePaid:                {},
	stripe.EventTypeInvoicePaymentSucceeded:    {},
	stripe.EventTypeInvoicePaymentFailed:       {},
	stripe.EventTypeInvoiceVoided:              {},
	stripe.EventTypeInvoiceMarkedUncollectible: {},
}

// errUnownedSubscription aborts the apply transaction when no user can be
// attributed to a subscription the store has never seen.
var errUnownedSubscription = errors.New("subscription has no resolvable owner")

// HandleEvent applies one verified event. A nil error means the event may be
// acknowledged; a returned error means the processor should redeliver.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) (Outcome, error) {
	if event == nil || strings.TrimSpace(event.ID) == "" || event.Data == nil {
		s.logg.Warn(ctx, "billing.event.malformed")
		s.observe("unknown", OutcomeMalformed)
		return OutcomeMalformed, nil
	}
	eventType := string(event.Type)
	ctx = s.logg.WithBillingEvent(ctx, event.ID, eventType)
	effectiveAt := time.Unix(event.Created, 0).UTC()

	var (
		outcome Outcome
		err     error
	)
	switch {
	case isSubscriptionEvent(event.Type):
		outcome, err = s.handleSubscription(ctx, event, effectiveAt)
	case isInvoiceEvent(event.Type):
		outcome, err = s.handleInvoice(ctx, event, effectiveAt)
	default:
		s.logg.Info(ctx, "billing.event.ignored")
		outcome = OutcomeIgnored
	}
	if err != nil {
		s.logg.Error(ctx, "billing.event.failed", err)
		s.observe(eventType, OutcomeFailed)
		return OutcomeFailed, err
	}
	s.observe(eventType, outcome)
	return outcome, nil
}

func (s *Service) handleSubscription(ctx context.Context, event *stripe.Event, effectiveAt time.Time) (Outcome, error) {
	var raw stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
		s.logg.Warn(ctx, "billing.event.malformed")
		return OutcomeMalformed, nil
	}
	snap := subscriptions.FromStripeSubscription(&raw)
	if snap == nil || snap.ExternalID == "" || !snap.Status.IsValid() || !snap.CurrentPeriodEnd.After(snap.CurrentPeriodStart) {
		s.logg.Warn(ctx, "billing.event.malformed")
		return OutcomeMalformed, nil
	}
	ctx = s.logg.WithSubscriptionID(ctx, snap.ExternalID)

	var outcome Outcome
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		outcome = OutcomeApplied
		fresh, err := s.markProcessed(ctx, tx, event, effectiveAt)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = OutcomeDuplicate
			return nil
		}
		store := s.store.WithTx(tx)
		existing, err := store.FindByExternalID(ctx, snap.ExternalID)
		if err != nil {
			return err
		}
		var owner uuid.UUID
		if existing == nil {
			owner, err = s.resolveOwner(ctx, snap)
			if err != nil {
				return err
			}
		}
		res, err := store.UpsertFromProcessor(ctx, owner, *snap, effectiveAt, outbox.CauseProcessorEvent)
		if err != nil {
			if errors.Is(err, subscriptions.ErrInvalidTransition) {
				outcome = OutcomeAnomaly
				s.logg.Warn(ctx, "billing.event.invalid_transition")
				return nil
			}
			return err
		}
		if !res.Applied {
			outcome = OutcomeStale
		}
		return nil
	})
	switch {
	case errors.Is(err, errUnownedSubscription):
		s.logg.Warn(ctx, "billing.event.malformed")
		return OutcomeMalformed, nil
	case err != nil:
		return "", err
	}
	switch outcome {
	case OutcomeStale:
		s.logg.Info(ctx, "billing.event.stale")
	case OutcomeDuplicate:
		s.logg.Debug(ctx, "billing.event.duplicate")
	case OutcomeAnomaly:
		s.incAnomaly("subscription_regression")
	default:
		s.logg.Info(ctx, "billing.event.applied")
	}
	return outcome, nil
}

func (s *Service) handleInvoice(ctx context.Context, event *stripe.Event, effectiveAt time.Time) (Outcome, error) {
	var raw stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
		s.logg.Warn(ctx, "billing.event.malformed")
		return OutcomeMalformed, nil
	}
	externalSubID, input := subscriptions.FromStripeInvoice(&raw)
	if input.ExternalID == "" || !input.Status.IsValid() {
		s.logg.Warn(ctx, "billing.event.malformed")
		return OutcomeMalformed, nil
	}
	if externalSubID == "" {
		// one-off invoice, not tied to a plan
		s.logg.Info(ctx, "billing.event.ignored")
		return OutcomeIgnored, nil
	}
	ctx = s.logg.WithSubscriptionID(ctx, externalSubID)

	var outcome Outcome
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		outcome = OutcomeApplied
		fresh, err := s.markProcessed(ctx, tx, event, effectiveAt)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = OutcomeDuplicate
			return nil
		}
		store := s.store.WithTx(tx)
		sub, err := store.FindByExternalID(ctx, externalSubID)
		if err != nil {
			return err
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeDependency, "subscription not recorded yet").
				WithDetails(map[string]any{"subscription": externalSubID})
		}
		if _, err := store.AppendInvoice(ctx, sub.ID, input); err != nil {
			if errors.Is(err, subscriptions.ErrInvalidTransition) {
				outcome = OutcomeAnomaly
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	switch outcome {
	case OutcomeAnomaly:
		s.logg.Warn(ctx, "billing.event.invoice_regression")
		s.incAnomaly(anomalyInvoiceRegression)
	case OutcomeDuplicate:
		s.logg.Debug(ctx, "billing.event.duplicate")
	default:
		s.logg.Info(ctx, "billing.event.applied")
	}
	return outcome, nil
}

func (s *Service) markProcessed(ctx context.Context, tx *gorm.DB, event *stripe.Event, effectiveAt time.Time) (bool, error) {
	fresh, err := s.processed.MarkProcessed(ctx, tx, models.ProcessedEvent{
		EventID:     event.ID,
		EventType:   string(event.Type),
		EffectiveAt: effectiveAt,
		ProcessedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record processed event")
	}
	return fresh, nil
}

// resolveOwner attributes a first-seen subscription to a user, preferring the
// id stamped into processor metadata at creation.
func (s *Service) resolveOwner(ctx context.Context, snap *subscriptions.ProcessorSubscription) (uuid.UUID, error) {
	if raw := strings.TrimSpace(snap.Metadata[subscriptions.MetadataUserID]); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id, nil
		}
	}
	if snap.CustomerID == "" {
		return uuid.Nil, errUnownedSubscription
	}
	user, err := s.users.FindByExternalCustomerID(ctx, snap.CustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, errUnownedSubscription
		}
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup customer owner")
	}
	if user == nil {
		return uuid.Nil, errUnownedSubscription
	}
	return user.ID, nil
}

func (s *Service) observe(eventType string, outcome Outcome) {
	if s.metrics != nil {
		s.metrics.ObserveWebhook(eventType, string(outcome))
	}
}

func (s *Service) incAnomaly(kind string) {
	if s.metrics != nil {
		s.metrics.IncAnomaly(kind)
	}
}

func isSubscriptionEvent(t stripe.EventType) bool {
	_, ok := subscriptionEvents[t]
	return ok
}

func isInvoiceEvent(t stripe.EventType) bool {
	_, ok := invoiceEvents[t]
	return ok
}
