package responses

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

// OutcomeHeader tells clients whether a failed billing call may still have
// taken effect at the processor.
const OutcomeHeader = "X-Billing-Outcome"

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-Id"

const (
	outcomeUnknown     = "unknown"
	outcomeNotApplied  = "not_applied"
	retryAfterSeconds  = 30
	outcomeUnknownHint = "refresh_subscription"
)

type SuccessEnvelope struct {
	Data any `json:"data"`
}

// APIError is the public error body. NextStep is set when the client must
// re-read subscription state before acting again.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
	NextStep  string `json:"next_step,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, SuccessEnvelope{Data: data})
}

func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}

	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}

	code := typed.Code()
	meta := pkgerrors.MetadataFor(code)

	payload := ErrorEnvelope{
		Error: APIError{
			Code:      string(code),
			Message:   publicMessage(typed, meta),
			Retryable: meta.Retryable,
			RequestID: w.Header().Get(RequestIDHeader),
		},
	}
	if meta.DetailsAllowed {
		if details := typed.Details(); details != nil {
			payload.Error.Details = details
		}
	}

	switch code {
	case pkgerrors.CodeOutcomeUnknown:
		// The processor may have applied the change; a blind retry could double it.
		w.Header().Set(OutcomeHeader, outcomeUnknown)
		payload.Error.NextStep = outcomeUnknownHint
	case pkgerrors.CodePaymentMethodInvalid:
		w.Header().Set(OutcomeHeader, outcomeNotApplied)
	case pkgerrors.CodeDependency, pkgerrors.CodeRateLimit:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	if logg != nil {
		logError(ctx, logg, err, typed, meta)
	}

	writeJSON(w, meta.HTTPStatus, payload)
}

func publicMessage(typed *pkgerrors.Error, meta pkgerrors.Metadata) string {
	switch typed.Code() {
	case pkgerrors.CodeValidation,
		pkgerrors.CodeForbidden,
		pkgerrors.CodeUnauthorized,
		pkgerrors.CodeNotFound,
		pkgerrors.CodeConflict,
		pkgerrors.CodeStateConflict,
		pkgerrors.CodeIdempotency,
		pkgerrors.CodeRateLimit,
		pkgerrors.CodePaymentMethodInvalid:
		if m := typed.Message(); m != "" {
			return m
		}
	}
	return meta.PublicMessage
}

// logError keeps declines and client mistakes out of the error stream;
// unconfirmed processor writes are always logged loudly for reconciliation.
func logError(ctx context.Context, logg *logger.Logger, err error, typed *pkgerrors.Error, meta pkgerrors.Metadata) {
	fields := pkgerrors.Dump(err).Fields()
	if d, ok := typed.Details().(map[string]any); ok {
		if step, ok := d["step"]; ok {
			fields["step"] = step
		}
	}
	if d, ok := typed.Details().(map[string]string); ok {
		if op, ok := d["operation"]; ok {
			fields["processor_operation"] = op
		}
	}
	ctx = logg.WithFields(ctx, fields)

	switch {
	case typed.Code() == pkgerrors.CodeOutcomeUnknown:
		logg.Error(ctx, "billing.outcome_unknown", err)
	case meta.HTTPStatus >= http.StatusInternalServerError:
		logg.Error(ctx, "request.error", err)
	case typed.Code() == pkgerrors.CodePaymentMethodInvalid:
		logg.Info(ctx, "billing.payment_method_declined")
	default:
		logg.Warn(ctx, "request.rejected")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf(`{"level":"error","msg":"failed to encode response","err":"%v"}`, err)
	}
}
