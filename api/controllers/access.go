package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/truvoice-backend/api/middleware"
	"github.com/angelmondragon/truvoice-backend/api/responses"
	"github.com/angelmondragon/truvoice-backend/api/validators"
	"github.com/angelmondragon/truvoice-backend/pkg/access"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

type accessCheckResponse struct {
	Path string `json:"path"`
	access.GuardDecision
	Access access.Verdict `json:"access"`
}

type entitlementResponse struct {
	UserID uuid.UUID      `json:"user_id"`
	Access access.Verdict `json:"access"`
}

// AccessCheck answers whether the caller may navigate to ?path= and where to
// send them otherwise.
func AccessCheck(resolve middleware.VerdictResolver, guard access.Guard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserUUIDFromContext(r.Context())
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		path, err := validators.RequireQuery(r, "path")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		verdict, err := resolve(r.Context(), userID, time.Now().UTC())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, accessCheckResponse{
			Path:          path,
			GuardDecision: guard.Check(path, verdict),
			Access:        verdict,
		})
	}
}

// CoachEntitlement is served behind RequireAccess; reaching it means access was granted.
func CoachEntitlement(logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserUUIDFromContext(r.Context())
		verdict, found := middleware.VerdictFromContext(r.Context())
		if !ok || !found {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "access verdict missing"))
			return
		}
		responses.WriteSuccess(w, entitlementResponse{UserID: userID, Access: verdict})
	}
}
