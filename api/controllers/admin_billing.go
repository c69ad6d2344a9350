package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/truvoice-backend/api/responses"
	"github.com/angelmondragon/truvoice-backend/api/validators"
	subsvc "github.com/angelmondragon/truvoice-backend/internal/subscriptions"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

// BillingReports is the read-only projection surface of the subscription store.
type BillingReports interface {
	MonthlyRecurringRevenue(ctx context.Context, asOf time.Time) (*subsvc.RevenueReport, error)
	ChurnRate(ctx context.Context, from, to time.Time) (*subsvc.ChurnReport, error)
}

// DeadLetterCounter reports how many billing events were dead-lettered, per reason.
type DeadLetterCounter interface {
	CountByReason(ctx context.Context) (map[enums.OutboxDLQErrorReason]int64, error)
}

// billingMetricsResponse counts replayable dead letters separately; those can
// be requeued once the broker recovers.
type billingMetricsResponse struct {
	Revenue               *subsvc.RevenueReport                `json:"revenue"`
	Churn                 *subsvc.ChurnReport                  `json:"churn"`
	DeadLetterCount       int64                                `json:"outbox_dead_letters"`
	ReplayableDeadLetters int64                                `json:"outbox_dead_letters_replayable"`
	DeadLettersByReason   map[enums.OutboxDLQErrorReason]int64 `json:"outbox_dead_letters_by_reason,omitempty"`
}

// AdminBillingMetrics serves MRR as of ?as_of= (RFC3339, default now) and churn
// over the ?window_days= preceding it.
func AdminBillingMetrics(reports BillingReports, dlq DeadLetterCounter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reports == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing reports unavailable"))
			return
		}

		asOf, err := validators.ParseQueryTime(r, "as_of", time.Now())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		days, err := validators.ParseQueryInt(r, "window_days", 30, 1, 366)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		revenue, err := reports.MonthlyRecurringRevenue(r.Context(), asOf)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		churn, err := reports.ChurnRate(r.Context(), asOf.Add(-time.Duration(days)*24*time.Hour), asOf)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := billingMetricsResponse{Revenue: revenue, Churn: churn}
		if dlq != nil {
			counts, err := dlq.CountByReason(r.Context())
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count dead letters"))
				return
			}
			resp.DeadLettersByReason = counts
			for reason, n := range counts {
				resp.DeadLetterCount += n
				if reason.Replayable() {
					resp.ReplayableDeadLetters += n
				}
			}
		}
		responses.WriteSuccess(w, resp)
	}
}
