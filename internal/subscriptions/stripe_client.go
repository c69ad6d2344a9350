package subscriptions

import (
	"context"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	portalsession "github.com/stripe/stripe-go/v84/billingportal/session"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/paymentmethod"
	"github.com/stripe/stripe-go/v84/subscription"

	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	pkgstripe "github.com/angelmondragon/truvoice-backend/pkg/stripe"
)

const (
	opEnsureCustomer   = "ensure_customer"
	opAttachPayment    = "attach_payment_method"
	opCreate           = "create_subscription"
	opGet              = "get_subscription"
	opCancel           = "set_cancel_at_period_end"
	opDefaultPayment   = "set_default_payment_method"
	opPortal           = "create_portal_session"
	expandInvoice      = "latest_invoice.confirmation_secret"
	expandPaymentCard  = "default_payment_method"
	paymentBehavior    = "allow_incomplete"
	savePaymentDefault = "on_subscription"
)

type stripeProcessor struct {
	caller *pkgstripe.Caller
}

// NewStripeProcessor adapts the Stripe API to the Processor interface.
func NewStripeProcessor(caller *pkgstripe.Caller) Processor {
	if caller == nil {
		return nil
	}
	return &stripeProcessor{caller: caller}
}

func (p *stripeProcessor) EnsureCustomer(ctx context.Context, user *models.User) (string, error) {
	if user == nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "user required")
	}
	if user.ExternalCustomerID != nil && *user.ExternalCustomerID != "" {
		return *user.ExternalCustomerID, nil
	}
	cust, err := pkgstripe.Do(ctx, p.caller, opEnsureCustomer, func(ctx context.Context) (*stripe.Customer, error) {
		params := &stripe.CustomerParams{Email: stripe.String(user.Email)}
		params.Context = ctx
		params.AddMetadata(MetadataUserID, user.ID.String())
		params.SetIdempotencyKey("customer:" + user.ID.String())
		return customer.New(params)
	})
	if err != nil {
		return "", p.domainError(opEnsureCustomer, err)
	}
	return cust.ID, nil
}

// AttachPaymentMethod accepts either a PaymentMethod id or a legacy card token.
func (p *stripeProcessor) AttachPaymentMethod(ctx context.Context, customerID, token string) (*AttachedPaymentMethod, error) {
	pm, err := pkgstripe.Do(ctx, p.caller, opAttachPayment, func(ctx context.Context) (*stripe.PaymentMethod, error) {
		id := token
		if strings.HasPrefix(token, "tok_") {
			params := &stripe.PaymentMethodParams{
				Type: stripe.String(string(stripe.PaymentMethodTypeCard)),
				Card: &stripe.PaymentMethodCardParams{Token: stripe.String(token)},
			}
			params.Context = ctx
			created, err := paymentmethod.New(params)
			if err != nil {
				return nil, err
			}
			id = created.ID
		}
		params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
		params.Context = ctx
		return paymentmethod.Attach(id, params)
	})
	if err != nil {
		return nil, p.domainError(opAttachPayment, err)
	}
	out := &AttachedPaymentMethod{ID: pm.ID}
	if summary := cardSummary(pm); summary != nil {
		out.Summary = *summary
	}
	return out, nil
}

func (p *stripeProcessor) CreateSubscription(ctx context.Context, input ProcessorCreateInput) (*ProcessorSubscription, error) {
	sub, err := pkgstripe.Do(ctx, p.caller, opCreate, func(ctx context.Context) (*stripe.Subscription, error) {
		params := &stripe.SubscriptionParams{
			Customer:             stripe.String(input.CustomerID),
			Items:                []*stripe.SubscriptionItemsParams{{Price: stripe.String(input.PriceID)}},
			DefaultPaymentMethod: stripe.String(input.PaymentMethodID),
			PaymentBehavior:      stripe.String(paymentBehavior),
			PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
				SaveDefaultPaymentMethod: stripe.String(savePaymentDefault),
			},
		}
		params.Context = ctx
		for k, v := range input.Metadata {
			params.AddMetadata(k, v)
		}
		params.AddExpand(expandInvoice)
		params.AddExpand(expandPaymentCard)
		if input.IdempotencyKey != "" {
			params.SetIdempotencyKey(input.IdempotencyKey)
		}
		return subscription.New(params)
	})
	if err != nil {
		return nil, p.domainError(opCreate, err)
	}
	return FromStripeSubscription(sub), nil
}

func (p *stripeProcessor) GetSubscription(ctx context.Context, externalID string) (*ProcessorSubscription, error) {
	sub, err := pkgstripe.Do(ctx, p.caller, opGet, func(ctx context.Context) (*stripe.Subscription, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		params.AddExpand(expandInvoice)
		params.AddExpand(expandPaymentCard)
		return subscription.Get(externalID, params)
	})
	if err != nil {
		return nil, p.domainError(opGet, err)
	}
	return FromStripeSubscription(sub), nil
}

func (p *stripeProcessor) SetCancelAtPeriodEnd(ctx context.Context, externalID string, cancel bool, reason string) (*ProcessorSubscription, error) {
	sub, err := pkgstripe.Do(ctx, p.caller, opCancel, func(ctx context.Context) (*stripe.Subscription, error) {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
		if reason != "" {
			params.CancellationDetails = &stripe.SubscriptionCancellationDetailsParams{Comment: stripe.String(reason)}
		}
		params.Context = ctx
		params.AddExpand(expandPaymentCard)
		return subscription.Update(externalID, params)
	})
	if err != nil {
		return nil, p.domainError(opCancel, err)
	}
	return FromStripeSubscription(sub), nil
}

func (p *stripeProcessor) SetDefaultPaymentMethod(ctx context.Context, customerID, externalID, paymentMethodID string) (*ProcessorSubscription, error) {
	sub, err := pkgstripe.Do(ctx, p.caller, opDefaultPayment, func(ctx context.Context) (*stripe.Subscription, error) {
		custParams := &stripe.CustomerParams{
			InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{DefaultPaymentMethod: stripe.String(paymentMethodID)},
		}
		custParams.Context = ctx
		if _, err := customer.Update(customerID, custParams); err != nil {
			return nil, err
		}
		params := &stripe.SubscriptionParams{DefaultPaymentMethod: stripe.String(paymentMethodID)}
		params.Context = ctx
		params.AddExpand(expandPaymentCard)
		return subscription.Update(externalID, params)
	})
	if err != nil {
		return nil, p.domainError(opDefaultPayment, err)
	}
	return FromStripeSubscription(sub), nil
}

func (p *stripeProcessor) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	sess, err := pkgstripe.Do(ctx, p.caller, opPortal, func(ctx context.Context) (*stripe.BillingPortalSession, error) {
		params := &stripe.BillingPortalSessionParams{Customer: stripe.String(customerID)}
		if returnURL != "" {
			params.ReturnURL = stripe.String(returnURL)
		}
		params.Context = ctx
		return portalsession.New(params)
	})
	if err != nil {
		return "", p.domainError(opPortal, err)
	}
	return sess.URL, nil
}

// domainError attaches the domain sentinels to the wrapper's typed errors.
func (p *stripeProcessor) domainError(op string, err error) error {
	typed := pkgerrors.As(err)
	if typed == nil {
		return err
	}
	switch typed.Code() {
	case pkgerrors.CodeOutcomeUnknown:
		return OutcomeUnknown(err)
	case pkgerrors.CodePaymentMethodInvalid:
		reason := "card_declined"
		if details, ok := typed.Details().(map[string]string); ok && details["reason"] != "" {
			reason = details["reason"]
		}
		return PaymentMethodInvalid(err, reason)
	case pkgerrors.CodeValidation, pkgerrors.CodeNotFound:
		// a malformed or foreign payment method is an invalid request, not a card error
		if op == opAttachPayment || op == opDefaultPayment {
			return PaymentMethodInvalid(err, "invalid_payment_method")
		}
	}
	return err
}

// FromStripeSubscription maps a Stripe subscription onto the processor view.
// Stripe's paused status has no local equivalent and is treated as unpaid.
func FromStripeSubscription(sub *stripe.Subscription) *ProcessorSubscription {
	if sub == nil {
		return nil
	}
	out := &ProcessorSubscription{
		ExternalID:        sub.ID,
		Status:            mapStripeStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = unixUTC(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unixUTC(item.CurrentPeriodEnd)
	}
	if sub.CanceledAt > 0 {
		at := unixUTC(sub.CanceledAt)
		out.CanceledAt = &at
	}
	if sub.CancellationDetails != nil {
		if sub.CancellationDetails.Comment != "" {
			out.CancelReason = sub.CancellationDetails.Comment
		} else {
			out.CancelReason = string(sub.CancellationDetails.Feedback)
		}
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		out.ClientSecret = sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	out.PaymentMethod = cardSummary(sub.DefaultPaymentMethod)
	return out
}

// FromStripeInvoice maps a Stripe invoice, returning the processor subscription id it bills.
func FromStripeInvoice(inv *stripe.Invoice) (string, InvoiceInput) {
	if inv == nil {
		return "", InvoiceInput{}
	}
	input := InvoiceInput{
		ExternalID:  inv.ID,
		AmountCents: inv.AmountDue,
		Currency:    string(inv.Currency),
		Status:      enums.InvoiceStatus(inv.Status),
		InvoiceDate: unixUTC(inv.Created),
		HostedURL:   inv.HostedInvoiceURL,
	}
	if inv.Status == stripe.InvoiceStatusPaid {
		input.AmountCents = inv.AmountPaid
	}
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		paidAt := unixUTC(inv.StatusTransitions.PaidAt)
		input.PaidAt = &paidAt
	}
	var subID string
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		subID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return subID, input
}

func mapStripeStatus(status stripe.SubscriptionStatus) enums.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return enums.SubscriptionStatusActive
	case stripe.SubscriptionStatusTrialing:
		return enums.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusPastDue:
		return enums.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return enums.SubscriptionStatusCanceled
	case stripe.SubscriptionStatusIncomplete:
		return enums.SubscriptionStatusIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return enums.SubscriptionStatusIncompleteExpired
	case stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return enums.SubscriptionStatusUnpaid
	}
	return enums.SubscriptionStatus(status)
}

func cardSummary(pm *stripe.PaymentMethod) *PaymentMethodSummary {
	if pm == nil || pm.Card == nil {
		return nil
	}
	return &PaymentMethodSummary{
		Brand:    string(pm.Card.Brand),
		Last4:    pm.Card.Last4,
		ExpMonth: int(pm.Card.ExpMonth),
		ExpYear:  int(pm.Card.ExpYear),
	}
}

func unixUTC(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
