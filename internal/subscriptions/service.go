package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/angelmondragon/truvoice-backend/pkg/access"
	"github.com/angelmondragon/truvoice-backend/pkg/db"
	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/outbox"
	"github.com/angelmondragon/truvoice-backend/pkg/pagination"
)

const maxCancelReasonLen = 500

type userRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	SetExternalCustomerID(ctx context.Context, id uuid.UUID, customerID string) (bool, error)
}

// Service defines the subscription lifecycle surface exposed to clients.
type Service interface {
	Create(ctx context.Context, userID uuid.UUID, input CreateInput) (*CreateResult, error)
	Confirm(ctx context.Context, userID, subscriptionID uuid.UUID) (*CreateResult, error)
	Cancel(ctx context.Context, userID uuid.UUID, reason string) (*models.Subscription, error)
	UpdatePaymentMethod(ctx context.Context, userID uuid.UUID, paymentMethodToken string) (*models.Subscription, error)
	BillingPortal(ctx context.Context, userID uuid.UUID) (string, error)
	Details(ctx context.Context, userID uuid.UUID, now time.Time) (*AccessState, error)
	BetaStatus(ctx context.Context, userID uuid.UUID, now time.Time) (*BetaStatus, error)
	Invoices(ctx context.Context, userID uuid.UUID, params pagination.Params) (*InvoicePage, error)
}

// ServiceParams groups dependencies for the subscription service.
type ServiceParams struct {
	Store           *Store
	Users           userRepository
	Processor       Processor
	Logger          *logger.Logger
	PortalReturnURL string
	PersistRetries  uint64
	PersistBackoff  time.Duration
	Clock           func() time.Time
}

// CreateInput captures a subscription request.
type CreateInput struct {
	PriceID            string
	PaymentMethodToken string
	IdempotencyKey     string
}

// CreateResult reports where a creation stands in the confirmation state machine.
// ClientSecret is set only while the payment needs customer action.
type CreateResult struct {
	State        enums.CheckoutState
	Subscription *models.Subscription
	ClientSecret string
}

// AccessState is the access view of one user at one instant.
type AccessState struct {
	User         *models.User
	Subscription *models.Subscription
	Snapshot     access.Snapshot
	Verdict      access.Verdict
}

// BetaStatus describes the user's beta window.
type BetaStatus struct {
	InBeta      bool
	ExpiresAt   *time.Time
	GraceEndsAt *time.Time
	Converted   bool
	Verdict     access.Verdict
}

type service struct {
	store     *Store
	users     userRepository
	processor Processor
	logg      *logger.Logger
	returnURL string
	retries   uint64
	backoff   time.Duration
	now       func() time.Time
}

// NewService builds a subscription service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("subscription store required")
	}
	if params.Users == nil {
		return nil, fmt.Errorf("users repo required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("payment processor required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	retries := params.PersistRetries
	if retries == 0 {
		retries = 3
	}
	backoff := params.PersistBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		store:     params.Store,
		users:     params.Users,
		processor: params.Processor,
		logg:      params.Logger,
		returnURL: strings.TrimSpace(params.PortalReturnURL),
		retries:   retries,
		backoff:   backoff,
		now:       clock,
	}, nil
}

// Create starts a subscription. The processor call carries a key derived from
// the request so a retry after an unknown outcome reuses the first attempt.
func (s *service) Create(ctx context.Context, userID uuid.UUID, input CreateInput) (*CreateResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	priceID := strings.TrimSpace(input.PriceID)
	if _, ok := s.store.Plans().PlanFor(priceID); !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price_id is not an offered plan").
			WithDetails(map[string]string{"price_id": "unknown"})
	}
	token, err := normalizeToken(input.PaymentMethodToken)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status.IsLive() {
		return nil, alreadySubscribed()
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithUserID(ctx, userID.String())

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	pm, err := s.processor.AttachPaymentMethod(ctx, customerID, token)
	if err != nil {
		return nil, err
	}

	snap, err := s.processor.CreateSubscription(ctx, ProcessorCreateInput{
		CustomerID:      customerID,
		PriceID:         priceID,
		PaymentMethodID: pm.ID,
		IdempotencyKey:  createIdempotencyKey(userID, priceID, token, input.IdempotencyKey),
		Metadata:        map[string]string{MetadataUserID: userID.String()},
	})
	if err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			s.logg.Warn(ctx, "subscription.create.outcome_unknown")
		}
		return nil, err
	}
	if snap.PaymentMethod == nil {
		summary := pm.Summary
		snap.PaymentMethod = &summary
	}

	sub, err := s.persist(ctx, userID, *snap, outbox.CauseCreate)
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithSubscriptionID(ctx, sub.ID.String()), "subscription.created")
	return resultFor(sub, snap.ClientSecret), nil
}

// Confirm re-reads the processor after the customer completed a payment step.
func (s *service) Confirm(ctx context.Context, userID, subscriptionID uuid.UUID) (*CreateResult, error) {
	sub, err := s.store.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if sub.CheckoutState == enums.CheckoutStateActive {
		return resultFor(sub, ""), nil
	}

	snap, err := s.processor.GetSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}
	target := CheckoutStateFor(snap.Status)
	if !sub.CheckoutState.CanTransitionTo(target) {
		return nil, invalidTransition(sub.CheckoutState.String(), target.String())
	}

	updated, err := s.persist(ctx, userID, *snap, outbox.CauseConfirm)
	if err != nil {
		return nil, err
	}
	return resultFor(updated, snap.ClientSecret), nil
}

// Cancel schedules the live record to end at its period end and records the
// subscription the processor returned. Cancelling twice is a no-op.
func (s *service) Cancel(ctx context.Context, userID uuid.UUID, reason string) (*models.Subscription, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxCancelReasonLen {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reason is too long").
			WithDetails(map[string]string{"reason": fmt.Sprintf("max %d characters", maxCancelReasonLen)})
	}
	sub, err := s.liveRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.CancelAtPeriodEnd {
		return sub, nil
	}

	snap, err := s.processor.SetCancelAtPeriodEnd(ctx, sub.ExternalSubscriptionID, true, reason)
	if err != nil {
		return nil, err
	}
	if snap.CancelReason == "" {
		snap.CancelReason = reason
	}
	return s.persist(ctx, userID, *snap, outbox.CauseCancel)
}

// UpdatePaymentMethod swaps the default card on the live record.
func (s *service) UpdatePaymentMethod(ctx context.Context, userID uuid.UUID, paymentMethodToken string) (*models.Subscription, error) {
	token, err := normalizeToken(paymentMethodToken)
	if err != nil {
		return nil, err
	}
	sub, err := s.liveRecord(ctx, userID)
	if err != nil {
		return nil, err
	}

	pm, err := s.processor.AttachPaymentMethod(ctx, sub.ExternalCustomerID, token)
	if err != nil {
		return nil, err
	}
	snap, err := s.processor.SetDefaultPaymentMethod(ctx, sub.ExternalCustomerID, sub.ExternalSubscriptionID, pm.ID)
	if err != nil {
		return nil, err
	}
	if snap.PaymentMethod == nil {
		summary := pm.Summary
		snap.PaymentMethod = &summary
	}
	return s.persist(ctx, userID, *snap, outbox.CausePaymentMethod)
}

// BillingPortal opens a hosted billing-management session for the user's customer.
func (s *service) BillingPortal(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return "", err
	}
	customerID := ""
	if user.ExternalCustomerID != nil {
		customerID = *user.ExternalCustomerID
	}
	if customerID == "" {
		sub, err := s.store.GetCurrentForUser(ctx, userID)
		if err != nil {
			return "", err
		}
		if sub != nil {
			customerID = sub.ExternalCustomerID
		}
	}
	if customerID == "" {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, "no billing account for user")
	}
	return s.processor.CreatePortalSession(ctx, customerID, s.returnURL)
}

// Details derives the user's access state at now.
func (s *service) Details(ctx context.Context, userID uuid.UUID, now time.Time) (*AccessState, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetCurrentForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap := access.SnapshotFor(user, sub)
	return &AccessState{
		User:         user,
		Subscription: sub,
		Snapshot:     snap,
		Verdict:      access.Decide(snap, now),
	}, nil
}

func (s *service) BetaStatus(ctx context.Context, userID uuid.UUID, now time.Time) (*BetaStatus, error) {
	state, err := s.Details(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	out := &BetaStatus{InBeta: state.User.InBeta(), Verdict: state.Verdict}
	if state.User.BetaExpiresAt != nil {
		expires := *state.User.BetaExpiresAt
		grace := expires.Add(access.GracePeriod)
		out.ExpiresAt = &expires
		out.GraceEndsAt = &grace
		out.Converted = state.Snapshot.Status != enums.AccessStatusBetaAccess
	}
	return out, nil
}

func (s *service) Invoices(ctx context.Context, userID uuid.UUID, params pagination.Params) (*InvoicePage, error) {
	params.Limit = pagination.NormalizeLimit(params.Limit)
	return s.store.ListInvoices(ctx, userID, params)
}

// persist writes a processor snapshot after the processor already committed it.
// The write goes through the same effective-time ordering as processor events,
// so a late event older than this call is dropped as stale. Store failures
// are retried; once retries run out the caller cannot tell what was recorded,
// so the error is an unknown outcome.
func (s *service) persist(ctx context.Context, userID uuid.UUID, snap ProcessorSubscription, cause string) (*models.Subscription, error) {
	effectiveAt := s.now().UTC().Truncate(time.Second)
	var out *models.Subscription
	err := retry.Do(ctx, retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff)), func(ctx context.Context) error {
		res, err := s.store.UpsertFromProcessor(ctx, userID, snap, effectiveAt, cause)
		if err != nil {
			if isTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = res.Subscription
		return nil
	})
	if err == nil {
		return out, nil
	}
	if errors.Is(err, ErrInvalidTransition) {
		// a processor event already moved the record past this snapshot
		current, findErr := s.store.FindByExternalID(ctx, snap.ExternalID)
		if findErr == nil && current != nil {
			return current, nil
		}
	}
	if isTransient(err) {
		s.logg.Error(s.logg.WithField(ctx, "external_subscription_id", snap.ExternalID), "subscription.persist.exhausted", err)
		return nil, OutcomeUnknown(err)
	}
	return nil, err
}

func (s *service) liveRecord(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.store.GetActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil || !sub.Status.IsLive() {
		return nil, noActiveSubscription()
	}
	return sub, nil
}

func (s *service) loadUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	return user, nil
}

func (s *service) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	customerID, err := s.processor.EnsureCustomer(ctx, user)
	if err != nil {
		return "", err
	}
	if user.ExternalCustomerID == nil || *user.ExternalCustomerID == "" {
		if _, err := s.users.SetExternalCustomerID(ctx, user.ID, customerID); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "link billing customer")
		}
		user.ExternalCustomerID = &customerID
	}
	return customerID, nil
}

func resultFor(sub *models.Subscription, clientSecret string) *CreateResult {
	res := &CreateResult{State: sub.CheckoutState, Subscription: sub}
	if sub.CheckoutState == enums.CheckoutStateRequiresConfirmation {
		res.ClientSecret = clientSecret
	}
	return res
}

func normalizeToken(raw string) (string, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "payment_method_token is required")
	}
	if !strings.HasPrefix(token, "pm_") && !strings.HasPrefix(token, "tok_") {
		return "", PaymentMethodInvalid(nil, "unrecognized_token")
	}
	return token, nil
}

// createIdempotencyKey is stable for one user, plan, card and client attempt.
func createIdempotencyKey(userID uuid.UUID, priceID, token, clientKey string) string {
	name := strings.Join([]string{userID.String(), priceID, token, strings.TrimSpace(clientKey)}, "|")
	return "sub-create-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// isTransient covers store outages and lost races with a concurrent writer.
func isTransient(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		db.IsTransient(err) ||
		pkgerrors.Is(err, pkgerrors.CodeDependency) ||
		pkgerrors.Is(err, pkgerrors.CodeConflict)
}
