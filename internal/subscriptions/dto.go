package subscriptions

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/truvoice-backend/pkg/access"
	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
)

// SubscriptionView is the display-only projection of a record.
type SubscriptionView struct {
	ID                uuid.UUID                `json:"id"`
	Status            enums.SubscriptionStatus `json:"status"`
	PlanType          enums.PlanType           `json:"plan_type"`
	CheckoutState     enums.CheckoutState      `json:"checkout_state"`
	CurrentPeriodEnd  time.Time                `json:"current_period_end"`
	CancelAtPeriodEnd bool                     `json:"cancel_at_period_end"`
	CanceledAt        *time.Time               `json:"canceled_at,omitempty"`
	PaymentMethod     *PaymentMethodView       `json:"payment_method,omitempty"`
}

// PaymentMethodView is the card summary shown to the owner.
type PaymentMethodView struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

// AccessStateView carries the access state fields plus the verdict.
type AccessStateView struct {
	access.Snapshot
	Access       access.Verdict    `json:"access"`
	Subscription *SubscriptionView `json:"subscription,omitempty"`
}

// CreateResultView is returned by create and confirm.
type CreateResultView struct {
	State        enums.CheckoutState `json:"state"`
	ClientSecret string              `json:"client_secret,omitempty"`
	Subscription *SubscriptionView   `json:"subscription"`
}

// BetaStatusView is the beta window response.
type BetaStatusView struct {
	InBeta      bool           `json:"in_beta"`
	ExpiresAt   *time.Time     `json:"beta_expires_at,omitempty"`
	GraceEndsAt *time.Time     `json:"grace_ends_at,omitempty"`
	Converted   bool           `json:"converted"`
	Access      access.Verdict `json:"access"`
}

// InvoiceView is one invoice line.
type InvoiceView struct {
	ID          uuid.UUID           `json:"id"`
	AmountCents int64               `json:"amount_cents"`
	Currency    string              `json:"currency"`
	Status      enums.InvoiceStatus `json:"status"`
	InvoiceDate time.Time           `json:"invoice_date"`
	PaidAt      *time.Time          `json:"paid_at,omitempty"`
	HostedURL   *string             `json:"hosted_url,omitempty"`
}

// InvoicePageView is a cursor page of invoices.
type InvoicePageView struct {
	Invoices   []InvoiceView `json:"invoices"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// NewSubscriptionView projects a record for display; nil stays nil.
func NewSubscriptionView(sub *models.Subscription) *SubscriptionView {
	if sub == nil {
		return nil
	}
	view := &SubscriptionView{
		ID:                sub.ID,
		Status:            sub.Status,
		PlanType:          sub.PlanType,
		CheckoutState:     sub.CheckoutState,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        sub.CanceledAt,
	}
	if sub.PaymentMethodLast4 != nil {
		pm := &PaymentMethodView{Last4: *sub.PaymentMethodLast4}
		if sub.PaymentMethodBrand != nil {
			pm.Brand = *sub.PaymentMethodBrand
		}
		if sub.PaymentMethodExpMonth != nil {
			pm.ExpMonth = *sub.PaymentMethodExpMonth
		}
		if sub.PaymentMethodExpYear != nil {
			pm.ExpYear = *sub.PaymentMethodExpYear
		}
		view.PaymentMethod = pm
	}
	return view
}

// NewAccessStateView builds the details response.
func NewAccessStateView(state *AccessState) AccessStateView {
	return AccessStateView{
		Snapshot:     state.Snapshot,
		Access:       state.Verdict,
		Subscription: NewSubscriptionView(state.Subscription),
	}
}

func NewCreateResultView(res *CreateResult) CreateResultView {
	return CreateResultView{
		State:        res.State,
		ClientSecret: res.ClientSecret,
		Subscription: NewSubscriptionView(res.Subscription),
	}
}

func NewBetaStatusView(status *BetaStatus) BetaStatusView {
	return BetaStatusView{
		InBeta:      status.InBeta,
		ExpiresAt:   status.ExpiresAt,
		GraceEndsAt: status.GraceEndsAt,
		Converted:   status.Converted,
		Access:      status.Verdict,
	}
}

func NewInvoicePageView(page *InvoicePage) InvoicePageView {
	out := InvoicePageView{Invoices: make([]InvoiceView, 0, len(page.Invoices)), NextCursor: page.NextCursor}
	for _, inv := range page.Invoices {
		out.Invoices = append(out.Invoices, InvoiceView{
			ID:          inv.ID,
			AmountCents: inv.AmountCents,
			Currency:    inv.Currency,
			Status:      inv.Status,
			InvoiceDate: inv.InvoiceDate,
			PaidAt:      inv.PaidAt,
			HostedURL:   inv.HostedURL,
		})
	}
	return out
}
