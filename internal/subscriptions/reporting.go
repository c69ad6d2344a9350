package subscriptions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
)

// RevenueReport is a read-only projection over the store.
type RevenueReport struct {
	AsOf           time.Time       `json:"as_of"`
	MRRCents       decimal.Decimal `json:"mrr_cents"`
	BillableCount  int             `json:"billable_count"`
	UninvoicedSubs int             `json:"uninvoiced_count"`
}

// ChurnReport is the canceled share of the records live at the window start.
type ChurnReport struct {
	From        time.Time       `json:"from"`
	To          time.Time       `json:"to"`
	Canceled    int64           `json:"canceled"`
	LiveAtStart int64           `json:"live_at_start"`
	Rate        decimal.Decimal `json:"rate"`
}

// MonthlyRecurringRevenue sums the latest paid invoice of every record billing
// at asOf, normalising annual plans to a month. Records without a paid invoice
// contribute zero.
func (s *Store) MonthlyRecurringRevenue(ctx context.Context, asOf time.Time) (*RevenueReport, error) {
	subs, err := s.repo.ListBillableAt(ctx, asOf)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list billable subscriptions")
	}
	ids := make([]uuid.UUID, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.ID)
	}
	latest, err := s.repo.LatestPaidInvoices(ctx, ids, asOf)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load paid invoices")
	}

	report := &RevenueReport{AsOf: asOf, MRRCents: decimal.Zero, BillableCount: len(subs)}
	for _, sub := range subs {
		invoice, ok := latest[sub.ID]
		if !ok {
			report.UninvoicedSubs++
			continue
		}
		amount := decimal.NewFromInt(invoice.AmountCents)
		months := decimal.NewFromInt(sub.PlanType.MonthsPerPeriod())
		report.MRRCents = report.MRRCents.Add(amount.Div(months))
	}
	report.MRRCents = report.MRRCents.Round(2)
	return report, nil
}

// ChurnRate divides records canceled in [from, to) by records live at from.
// An empty denominator yields zero.
func (s *Store) ChurnRate(ctx context.Context, from, to time.Time) (*ChurnReport, error) {
	if !to.After(from) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "churn window end must be after start")
	}
	canceled, err := s.repo.CountCanceledBetween(ctx, from, to)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count canceled subscriptions")
	}
	live, err := s.repo.CountLiveAt(ctx, from)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count live subscriptions")
	}
	report := &ChurnReport{From: from, To: to, Canceled: canceled, LiveAtStart: live, Rate: decimal.Zero}
	if live > 0 {
		report.Rate = decimal.NewFromInt(canceled).Div(decimal.NewFromInt(live)).Round(4)
	}
	return report, nil
}
