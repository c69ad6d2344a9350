package middleware

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/truvoice-backend/api/responses"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

// AnomalyCounter records conditions operators must reconcile by hand.
type AnomalyCounter interface {
	IncAnomaly(kind string)
}

const anomalyBillingWritePanic = "billing_write_panic"

// Recoverer turns a panic anywhere in the stack into INTERNAL_ERROR.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return recoverWith(logg, nil, false)
}

// RecoverBillingWrite guards subscription writes. A panic there may follow a
// processor call that already went through, so mutating requests answer
// OUTCOME_UNKNOWN and count an anomaly instead of claiming a plain failure.
func RecoverBillingWrite(logg *logger.Logger, anomalies AnomalyCounter) func(http.Handler) http.Handler {
	return recoverWith(logg, anomalies, true)
}

func recoverWith(logg *logger.Logger, anomalies AnomalyCounter, billing bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err := fmt.Errorf("panic: %v", rec)
				ctx := r.Context()
				unconfirmed := billing && r.Method != http.MethodGet && r.Method != http.MethodHead
				if logg != nil {
					fields := map[string]any{"panic": rec, "method": r.Method}
					if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
						fields["route"] = rc.RoutePattern()
					}
					if userID := UserIDFromContext(ctx); userID != "" {
						fields["user_id"] = userID
					}
					ctx = logg.WithFields(ctx, fields)
					logg.Error(ctx, "panic.recovered", err)
				}

				if unconfirmed {
					if anomalies != nil {
						anomalies.IncAnomaly(anomalyBillingWritePanic)
					}
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeOutcomeUnknown, err, "subscription write interrupted"))
					return
				}
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "panic"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
