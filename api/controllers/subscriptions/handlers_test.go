package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/angelmondragon/truvoice-backend/api/middleware"
	subsvc "github.com/angelmondragon/truvoice-backend/internal/subscriptions"
	"github.com/angelmondragon/truvoice-backend/pkg/access"
	"github.com/angelmondragon/truvoice-backend/pkg/db/models"
	"github.com/angelmondragon/truvoice-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/truvoice-backend/pkg/errors"
	"github.com/angelmondragon/truvoice-backend/pkg/logger"
	"github.com/angelmondragon/truvoice-backend/pkg/pagination"
)

type stubSubscriptionsService struct {
	createInput   subsvc.CreateInput
	createResult  *subsvc.CreateResult
	createErr     error
	confirmID     uuid.UUID
	cancelReason  string
	cancelCalled  bool
	paymentToken  string
	sub           *models.Subscription
	err           error
	state         *subsvc.AccessState
	invoiceParams pagination.Params
	portalURL     string
}

func (s *stubSubscriptionsService) Create(_ context.Context, _ uuid.UUID, input subsvc.CreateInput) (*subsvc.CreateResult, error) {
	s.createInput = input
	return s.createResult, s.createErr
}

func (s *stubSubscriptionsService) Confirm(_ context.Context, _, subscriptionID uuid.UUID) (*subsvc.CreateResult, error) {
	s.confirmID = subscriptionID
	return s.createResult, s.err
}

func (s *stubSubscriptionsService) Cancel(_ context.Context, _ uuid.UUID, reason string) (*models.Subscription, error) {
	s.cancelCalled = true
	s.cancelReason = reason
	return s.sub, s.err
}

func (s *stubSubscriptionsService) UpdatePaymentMethod(_ context.Context, _ uuid.UUID, token string) (*models.Subscription, error) {
	s.paymentToken = token
	return s.sub, s.err
}

func (s *stubSubscriptionsService) BillingPortal(context.Context, uuid.UUID) (string, error) {
	return s.portalURL, s.err
}

func (s *stubSubscriptionsService) Details(context.Context, uuid.UUID, time.Time) (*subsvc.AccessState, error) {
	return s.state, s.err
}

func (s *stubSubscriptionsService) BetaStatus(context.Context, uuid.UUID, time.Time) (*subsvc.BetaStatus, error) {
	return &subsvc.BetaStatus{}, s.err
}

func (s *stubSubscriptionsService) Invoices(_ context.Context, _ uuid.UUID, params pagination.Params) (*subsvc.InvoicePage, error) {
	s.invoiceParams = params
	return &subsvc.InvoicePage{}, s.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test"})
}

func userRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	return req.WithContext(middleware.WithUserID(req.Context(), uuid.NewString()))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return payload.Error.Code
}

func TestCreateRequiresUser(t *testing.T) {
	handler := Create(&stubSubscriptionsService{}, testLogger())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subscriptions/create", bytes.NewReader([]byte(`{}`)))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestCreateValidatesBody(t *testing.T) {
	svc := &stubSubscriptionsService{}
	handler := Create(svc, testLogger())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodPost, "/api/v1/subscriptions/create", []byte(`{"price_id":"price_m"}`)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestCreateReturnsCreatedWhenActive(t *testing.T) {
	sub := &models.Subscription{
		ID:               uuid.New(),
		Status:           enums.SubscriptionStatusActive,
		PlanType:         enums.PlanTypeMonthly,
		CheckoutState:    enums.CheckoutStateActive,
		CurrentPeriodEnd: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	svc := &stubSubscriptionsService{createResult: &subsvc.CreateResult{State: enums.CheckoutStateActive, Subscription: sub}}
	handler := Create(svc, testLogger())

	req := userRequest(http.MethodPost, "/api/v1/subscriptions/create", []byte(`{"price_id":"price_m","payment_method_token":"pm_card"}`))
	req.Header.Set("Idempotency-Key", "client-key")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	if svc.createInput.IdempotencyKey != "client-key" || svc.createInput.PriceID != "price_m" {
		t.Fatalf("unexpected create input %+v", svc.createInput)
	}
	var envelope struct {
		Data subsvc.CreateResultView `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.Subscription == nil || envelope.Data.Subscription.ID != sub.ID {
		t.Fatalf("unexpected payload %+v", envelope.Data)
	}
}

func TestCreateReturnsAcceptedWhileConfirmationPending(t *testing.T) {
	svc := &stubSubscriptionsService{createResult: &subsvc.CreateResult{
		State:        enums.CheckoutStateRequiresConfirmation,
		Subscription: &models.Subscription{ID: uuid.New(), Status: enums.SubscriptionStatusIncomplete},
		ClientSecret: "pi_secret",
	}}
	handler := Create(svc, testLogger())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodPost, "/api/v1/subscriptions/create", []byte(`{"price_id":"price_m","payment_method_token":"pm_card"}`)))

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	var envelope struct {
		Data subsvc.CreateResultView `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.ClientSecret != "pi_secret" {
		t.Fatalf("expected client secret in payload")
	}
}

func TestCreateMapsGatewayErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   pkgerrors.Code
	}{
		{"outcome unknown", subsvc.OutcomeUnknown(errors.New("timeout")), http.StatusGatewayTimeout, pkgerrors.CodeOutcomeUnknown},
		{"declined", subsvc.PaymentMethodInvalid(errors.New("card_declined"), "card_declined"), http.StatusPaymentRequired, pkgerrors.CodePaymentMethodInvalid},
		{"already subscribed", pkgerrors.Wrap(pkgerrors.CodeConflict, subsvc.ErrAlreadySubscribed, "exists"), http.StatusConflict, pkgerrors.CodeConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := Create(&stubSubscriptionsService{createErr: tc.err}, testLogger())
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, userRequest(http.MethodPost, "/api/v1/subscriptions/create", []byte(`{"price_id":"price_m","payment_method_token":"pm_card"}`)))
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.Code)
			}
			if got := errorCode(t, resp); got != string(tc.code) {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}
}

func TestConfirmRejectsBadID(t *testing.T) {
	handler := Confirm(&stubSubscriptionsService{}, testLogger())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodPost, "/api/v1/subscriptions/confirm", []byte(`{"subscription_id":"nope"}`)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestConfirmPassesSubscriptionID(t *testing.T) {
	id := uuid.New()
	svc := &stubSubscriptionsService{createResult: &subsvc.CreateResult{State: enums.CheckoutStateActive}}
	handler := Confirm(svc, testLogger())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodPost, "/api/v1/subscriptions/confirm", []byte(`{"subscription_id":"`+id.String()+`"}`)))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if svc.confirmID != id {
		t.Fatalf("expected %s, got %s", id, svc.confirmID)
	}
}

func TestCancelAcceptsEmptyBody(t *testing.T) {
	svc := &stubSubscriptionsService{sub: &models.Subscription{ID: uuid.New(), CancelAtPeriodEnd: true}}
	handler := Cancel(svc, testLogger())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodPost, "/api/v1/subscriptions/cancel", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !svc.cancelCalled || svc.cancelReason != "" {
		t.Fatalf("expected cancel without reason, got called=%v reason=%q", svc.cancelCalled, svc.cancelReason)
	}
}

func TestCancelWithoutLiveRecord(t *testing.T) {
	svc := &stubSubscriptionsService{err: pkgerrors.Wrap(pkgerrors.CodeNotFound, subsvc.ErrNoActiveSubscription, "no active subscription")}
	handler := Cancel(svc, testLogger())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodPost, "/api/v1/subscriptions/cancel", []byte(`{"reason":"  too pricey  "}`)))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if svc.cancelReason != "too pricey" {
		t.Fatalf("expected trimmed reason, got %q", svc.cancelReason)
	}
}

func TestCancelKeepsMultiByteReasonIntact(t *testing.T) {
	svc := &stubSubscriptionsService{sub: &models.Subscription{ID: uuid.New(), CancelAtPeriodEnd: true}}
	handler := Cancel(svc, testLogger())
	reason := strings.Repeat("a", 499) + "é"
	body, _ := json.Marshal(map[string]string{"reason": reason})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodPost, "/api/v1/subscriptions/cancel", body))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !utf8.ValidString(svc.cancelReason) || svc.cancelReason != reason {
		t.Fatalf("expected reason passed through unchanged, got %q", svc.cancelReason)
	}
}

func TestCancelRejectsOverlongReason(t *testing.T) {
	svc := &stubSubscriptionsService{sub: &models.Subscription{ID: uuid.New()}}
	handler := Cancel(svc, testLogger())
	body, _ := json.Marshal(map[string]string{"reason": strings.Repeat("é", 501)})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodPost, "/api/v1/subscriptions/cancel", body))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if svc.cancelCalled {
		t.Fatalf("service should not be called for an invalid reason")
	}
}

func TestUpdatePaymentMethodPassesToken(t *testing.T) {
	svc := &stubSubscriptionsService{sub: &models.Subscription{ID: uuid.New()}}
	handler := UpdatePaymentMethod(svc, testLogger())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodPost, "/api/v1/subscriptions/payment-method", []byte(`{"payment_method_token":"pm_new"}`)))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if svc.paymentToken != "pm_new" {
		t.Fatalf("unexpected token %q", svc.paymentToken)
	}
}

func TestDetailsReturnsVerdict(t *testing.T) {
	end := time.Now().Add(10 * 24 * time.Hour).UTC()
	snap := access.Snapshot{Status: enums.AccessStatusActive, CurrentPeriodEnd: &end}
	svc := &stubSubscriptionsService{state: &subsvc.AccessState{
		User:     &models.User{ID: uuid.New()},
		Snapshot: snap,
		Verdict:  access.Decide(snap, time.Now()),
	}}
	handler := Details(svc, testLogger())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodGet, "/api/v1/subscriptions/details", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var envelope struct {
		Data struct {
			Status string `json:"subscription_status"`
			Access struct {
				HasAccess bool   `json:"has_access"`
				Reason    string `json:"reason_code"`
			} `json:"access"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.Status != string(enums.AccessStatusActive) || !envelope.Data.Access.HasAccess {
		t.Fatalf("unexpected payload %+v", envelope.Data)
	}
	if envelope.Data.Access.Reason != string(enums.AccessReasonActive) {
		t.Fatalf("unexpected reason %s", envelope.Data.Access.Reason)
	}
}

func TestInvoicesParsesPaging(t *testing.T) {
	svc := &stubSubscriptionsService{}
	handler := Invoices(svc, testLogger())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodGet, "/api/v1/subscriptions/invoices?limit=10&cursor=abc", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if svc.invoiceParams.Limit != 10 || svc.invoiceParams.Cursor != "abc" {
		t.Fatalf("unexpected params %+v", svc.invoiceParams)
	}

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodGet, "/api/v1/subscriptions/invoices?limit=1000", nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range limit, got %d", resp.Code)
	}
}

func TestBillingPortalReturnsURL(t *testing.T) {
	svc := &stubSubscriptionsService{portalURL: "https://billing.example/session"}
	handler := BillingPortal(svc, testLogger())
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(http.MethodGet, "/api/v1/subscriptions/billing-portal", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var envelope struct {
		Data portalResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.URL != svc.portalURL {
		t.Fatalf("unexpected url %q", envelope.Data.URL)
	}
}
