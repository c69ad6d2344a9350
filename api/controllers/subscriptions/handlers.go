package subscriptions

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/truvoice-backend/api/middleware"
	"github.com/angelmondragon/truvoice-backend/api/responses"
	"github.com/angelmondragon/truvoice-backend/api/validators"
	subsvc "github.com/angelmondragon/truvoice-backend/internal/subscriptions"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/pagination"
)

const idempotencyHeader = "Idempotency-Key"

type createRequest struct {
	PriceID            string `json:"price_id" validate:"required,max=255"`
	PaymentMethodToken string `json:"payment_method_token" validate:"required,max=255"`
}

type confirmRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required,uuid"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type paymentMethodRequest struct {
	PaymentMethodToken string `json:"payment_method_token" validate:"required,max=255"`
}

type portalResponse struct {
	URL string `json:"url"`
}

// Details returns the caller's access state and display subscription.
func Details(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, svc, logg)
		if !ok {
			return
		}
		state, err := svc.Details(r.Context(), userID, time.Now().UTC())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, subsvc.NewAccessStateView(state))
	}
}

func Create(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, svc, logg)
		if !ok {
			return
		}

		var payload createRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		res, err := svc.Create(r.Context(), userID, subsvc.CreateInput{
			PriceID:            payload.PriceID,
			PaymentMethodToken: payload.PaymentMethodToken,
			IdempotencyKey:     strings.TrimSpace(r.Header.Get(idempotencyHeader)),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, statusFor(res), subsvc.NewCreateResultView(res))
	}
}

// Confirm resolves a creation that was waiting on customer payment action.
func Confirm(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, svc, logg)
		if !ok {
			return
		}

		var payload confirmRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		subscriptionID, err := uuid.Parse(payload.SubscriptionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid subscription_id"))
			return
		}

		res, err := svc.Confirm(r.Context(), userID, subscriptionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, subsvc.NewCreateResultView(res))
	}
}

func Cancel(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, svc, logg)
		if !ok {
			return
		}

		var payload cancelRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.Cancel(r.Context(), userID, validators.SanitizeText(payload.Reason, 0))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, subsvc.NewSubscriptionView(sub))
	}
}

func UpdatePaymentMethod(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, svc, logg)
		if !ok {
			return
		}

		var payload paymentMethodRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.UpdatePaymentMethod(r.Context(), userID, payload.PaymentMethodToken)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, subsvc.NewSubscriptionView(sub))
	}
}

func BillingPortal(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, svc, logg)
		if !ok {
			return
		}
		url, err := svc.BillingPortal(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, portalResponse{URL: url})
	}
}

func Invoices(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, svc, logg)
		if !ok {
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.Invoices(r.Context(), userID, pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, subsvc.NewInvoicePageView(page))
	}
}

func BetaStatus(svc subsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, svc, logg)
		if !ok {
			return
		}
		status, err := svc.BetaStatus(r.Context(), userID, time.Now().UTC())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, subsvc.NewBetaStatusView(status))
	}
}

func requireUser(w http.ResponseWriter, r *http.Request, svc subsvc.Service, logg *logger.Logger) (uuid.UUID, bool) {
	if svc == nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
		return uuid.Nil, false
	}
	userID, ok := middleware.UserUUIDFromContext(r.Context())
	if !ok {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
		return uuid.Nil, false
	}
	return userID, true
}

// statusFor reports 201 once payment cleared and 202 while the customer still
// has a payment step to complete.
func statusFor(res *subsvc.CreateResult) int {
	if res != nil && res.State == enums.CheckoutStateActive {
		return http.StatusCreated
	}
	return http.StatusAccepted
}
