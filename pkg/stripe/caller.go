package stripe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/truvoice-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
)

const (
	breakerName = "stripe"

	OutcomeOK             = "ok"
	OutcomeDeclined       = "declined"
	OutcomeRejected       = "rejected"
	OutcomeTimeout        = "timeout"
	OutcomeBreakerOpen    = "breaker_open"
	OutcomeUpstreamFailed = "upstream_error"
)

type callObserver interface {
	ObserveProcessorCall(operation, outcome string, elapsed time.Duration)
	SetBreakerState(name string, state float64)
}

// CallerParams configures the processor call wrapper.
type CallerParams struct {
	Timeout time.Duration
	Billing config.BillingConfig
	Metrics callObserver
	Logger  *logger.Logger
}

// Caller runs processor requests behind a circuit breaker and a per-call
// deadline, and converts processor failures into typed errors.
type Caller struct {
	breaker *gobreaker.CircuitBreaker[any]
	timeout time.Duration
	metrics callObserver
	logg    *logger.Logger
}

// NewCaller builds a Caller. A zero timeout falls back to 10s.
func NewCaller(params CallerParams) *Caller {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	threshold := params.Billing.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	c := &Caller{
		timeout: timeout,
		metrics: params.Metrics,
		logg:    params.Logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: params.Billing.BreakerMaxRequests,
		Interval:    params.Billing.BreakerInterval,
		Timeout:     params.Billing.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if c.logg != nil {
				ctx := c.logg.WithFields(context.Background(), map[string]any{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
				c.logg.Warn(ctx, "stripe.breaker.state_changed")
			}
			if c.metrics != nil {
				c.metrics.SetBreakerState(name, float64(to))
			}
		},
	})
	return c
}

// Do executes fn under the caller's breaker and deadline. operation labels metrics.
func Do[T any](ctx context.Context, c *Caller, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil {
		return zero, pkgerrors.New(pkgerrors.CodeInternal, "stripe caller not configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.breaker.Execute(func() (any, error) {
		return fn(callCtx)
	})
	elapsed := time.Since(start)
	if err != nil {
		typed, outcome := classify(callCtx, operation, err)
		if c.metrics != nil {
			c.metrics.ObserveProcessorCall(operation, outcome, elapsed)
		}
		return zero, typed
	}
	if c.metrics != nil {
		c.metrics.ObserveProcessorCall(operation, OutcomeOK, elapsed)
	}
	result, ok := out.(T)
	if !ok && out != nil {
		return zero, pkgerrors.New(pkgerrors.CodeInternal, "unexpected stripe result type")
	}
	return result, nil
}

func classify(ctx context.Context, operation string, err error) (error, string) {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment processor temporarily unavailable"), OutcomeBreakerOpen
	}
	if isUnobserved(ctx, err) {
		return pkgerrors.Wrap(pkgerrors.CodeOutcomeUnknown, err, operation+" did not complete in time").
			WithDetails(map[string]string{"operation": operation}), OutcomeTimeout
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard:
			return pkgerrors.Wrap(pkgerrors.CodePaymentMethodInvalid, err, "payment method was declined").
				WithDetails(map[string]string{"reason": DeclineReason(stripeErr)}), OutcomeDeclined
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "processor resource not found"), OutcomeRejected
		case stripeErr.HTTPStatusCode == http.StatusConflict:
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "processor rejected a concurrent request"), OutcomeRejected
		case stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500:
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "processor rejected the request").
				WithDetails(map[string]string{"param": stripeErr.Param}), OutcomeRejected
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, operation+" failed"), OutcomeUpstreamFailed
}

// DeclineReason returns a user-displayable reason for a card error.
func DeclineReason(err *stripe.Error) string {
	if err == nil {
		return ""
	}
	if err.DeclineCode != "" {
		return string(err.DeclineCode)
	}
	if err.Code != "" {
		return string(err.Code)
	}
	return "card_declined"
}

// isUnobserved reports failures where the request may have reached the processor.
func isUnobserved(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClientError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 && stripeErr.HTTPStatusCode != http.StatusTooManyRequests
}
