package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/truvoice-backend/api/responses"
	"github.com/angelmondragon/truvoice-backend/pkg/access"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

const accessBannerHeader = "X-Access-Banner"

// VerdictResolver derives the access verdict for a user at an instant.
type VerdictResolver func(ctx context.Context, userID uuid.UUID, now time.Time) (access.Verdict, error)

// RequireAccess gates product routes with the access decision. When enforce is
// false denials are logged and the request proceeds.
func RequireAccess(resolve VerdictResolver, enforce bool, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if resolve == nil {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "access resolver unavailable"))
				return
			}
			userID, ok := UserUUIDFromContext(ctx)
			if !ok {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
				return
			}

			verdict, err := resolve(ctx, userID, time.Now().UTC())
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}

			if !verdict.HasAccess {
				if enforce {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, verdict.Message).
						WithDetails(map[string]any{
							"reason_code": verdict.Reason,
							"redirect_to": access.RedirectFor(verdict.Reason),
						}))
					return
				}
				if logg != nil {
					logg.Warn(logg.WithField(ctx, "reason_code", string(verdict.Reason)), "access.denied.not_enforced")
				}
			}

			if verdict.Degraded {
				w.Header().Set(accessBannerHeader, string(verdict.Reason))
			}
			ctx = context.WithValue(ctx, ctxVerdict, verdict)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
