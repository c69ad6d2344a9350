package middleware

import (
	"net/http"

	"github.com/angelmondragon/truvoice-backend/api/responses"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

// RequireRole gates billing reports and other operator routes. Allowed
// callers carry their role in the log context for the rest of the request.
func RequireRole(role enums.UserRole, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			actual := RoleFromContext(ctx)
			if logg != nil {
				ctx = logg.WithActorRole(ctx, actual)
			}
			if actual != string(role) {
				if logg != nil {
					logg.Warn(logg.WithField(ctx, "user_id", UserIDFromContext(ctx)), "role.denied")
				}
				responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeForbidden, "role required").
					WithDetails(map[string]string{"required_role": string(role)}))
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
