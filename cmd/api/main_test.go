package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"rentflow/auth"
	"rentflow/deposit"
	"rentflow/lease"
	"rentflow/payment"
)

type stubPaymentService struct {
	payment  payment.Payment
	checkout payment.Checkout
	err      error
}

func (s *stubPaymentService) Initiate(_ context.Context, _ payment.InitiateParams) (payment.Payment, payment.Checkout, error) {
	return s.payment, s.checkout, s.err
}

type stubReconciler struct {
	webhookErr error
	outcome    payment.ReturnOutcome
	returnErr  error
	check      payment.CheckResult
	checkErr   error

	webhookValues url.Values
}

func (s *stubReconciler) HandleWebhook(_ context.Context, _ payment.Method, values url.Values) error {
	s.webhookValues = values
	return s.webhookErr
}

func (s *stubReconciler) HandleReturn(_ context.Context, _ payment.Method, _ url.Values) (payment.ReturnOutcome, error) {
	return s.outcome, s.returnErr
}

func (s *stubReconciler) CheckStatus(_ context.Context, _ string, _ string) (payment.CheckResult, error) {
	return s.check, s.checkErr
}

type stubReleaser struct {
	result payment.ReleaseResult
	err    error
}

func (s *stubReleaser) Release(_ context.Context, _ string, _ string) (payment.ReleaseResult, error) {
	return s.result, s.err
}

type stubLeaseService struct {
	result lease.CheckInResult
	err    error
}

func (s *stubLeaseService) CheckIn(_ context.Context, _ string, _ string) (lease.CheckInResult, error) {
	return s.result, s.err
}

type stubDepositService struct {
	deposit    deposit.Deposit
	returnErr  error
	dispute    deposit.Dispute
	disputeErr error
	resolveErr error
}

func (s *stubDepositService) Return(_ context.Context, _ string, _ string, _ deposit.ReturnParams) (deposit.Deposit, error) {
	return s.deposit, s.returnErr
}

func (s *stubDepositService) OpenDispute(_ context.Context, _ string, _ string, _ deposit.DisputeParams) (deposit.Dispute, error) {
	return s.dispute, s.disputeErr
}

func (s *stubDepositService) ResolveDispute(_ context.Context, _ string, _ string) (deposit.Dispute, error) {
	return s.dispute, s.resolveErr
}

type stubAuthService struct {
	userID    string
	role      auth.Role
	verifyErr error
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return &auth.User{ID: s.userID}, nil
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return auth.LoginResult{Token: "tok", User: auth.User{ID: s.userID}}, nil
}

func (s *stubAuthService) VerifyToken(_ string) (string, auth.Role, error) {
	return s.userID, s.role, s.verifyErr
}

func authedRequest(r *http.Request, userID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKeyUserID, userID))
}

func TestHandleCreatePayment_Success(t *testing.T) {
	server := &Server{
		paymentService: &stubPaymentService{
			payment:  payment.Payment{ID: "p1", Type: payment.TypeRent, Amount: 280000, Status: payment.StatusPending, Method: payment.MethodAlipay},
			checkout: payment.Checkout{OrderRef: "PAY-ref", PaymentURL: "https://pay.example/p1"},
		},
	}

	body := strings.NewReader(`{"type":"rent","amount":280000,"method":"alipay","propertyId":"prop-1","leaseId":"lease-1"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/payments", body), "tenant-1")
	rec := httptest.NewRecorder()

	server.handlePayments(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp struct {
		Payment    paymentResponse `json:"payment"`
		OrderRef   string          `json:"orderRef"`
		PaymentURL string          `json:"paymentUrl"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Payment.ID != "p1" || resp.Payment.Status != "pending" || resp.PaymentURL == "" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleCreatePayment_ValidationError(t *testing.T) {
	server := &Server{
		paymentService: &stubPaymentService{err: payment.ErrValidation},
	}

	body := strings.NewReader(`{"type":"tip","amount":-3,"method":"alipay"}`)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/payments", body), "tenant-1")
	rec := httptest.NewRecorder()

	server.handlePayments(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCheckStatus_Forbidden(t *testing.T) {
	server := &Server{
		reconciler: &stubReconciler{checkErr: payment.ErrForbidden},
	}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/payments/p1/check", nil), "someone-else")
	rec := httptest.NewRecorder()

	server.handlePaymentDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleRelease_InvalidState(t *testing.T) {
	server := &Server{
		releaser: &stubReleaser{err: payment.ErrInvalidState},
	}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/payments/p1/release", nil), "tenant-1")
	rec := httptest.NewRecorder()

	server.handlePaymentDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleRelease_Success(t *testing.T) {
	server := &Server{
		releaser: &stubReleaser{
			result: payment.ReleaseResult{
				Payment: payment.Payment{ID: "p1", Status: payment.StatusCompleted, EscrowStatus: payment.EscrowReleased, Amount: 280000},
				Split:   payment.Split{PlatformFee: 14000, AgentFee: 5600, LandlordNet: 260400},
			},
		},
	}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/payments/p1/release", nil), "tenant-1")
	rec := httptest.NewRecorder()

	server.handlePaymentDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Success bool             `json:"success"`
		Split   map[string]int64 `json:"split"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Split["platformFee"]+resp.Split["agentFee"]+resp.Split["landlordNet"] != 280000 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleCheckin_Success(t *testing.T) {
	server := &Server{
		leaseService: &stubLeaseService{
			result: lease.CheckInResult{LeaseID: "lease-1", Status: lease.StatusActive, FundsReleased: true},
		},
	}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/leases/lease-1/checkin", nil), "tenant-1")
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Success       bool   `json:"success"`
		LeaseID       string `json:"leaseId"`
		Status        string `json:"status"`
		FundsReleased bool   `json:"fundsReleased"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Status != "active" || !resp.FundsReleased {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleCheckin_WrongTenant(t *testing.T) {
	server := &Server{
		leaseService: &stubLeaseService{err: lease.ErrForbidden},
	}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/leases/lease-1/checkin", nil), "landlord-1")
	rec := httptest.NewRecorder()

	server.handleLeaseDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleDepositReturn_NotFound(t *testing.T) {
	server := &Server{
		depositService: &stubDepositService{returnErr: deposit.ErrNotFound},
	}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/deposits/dep-1/return", strings.NewReader(`{}`)), "landlord-1")
	rec := httptest.NewRecorder()

	server.handleDepositDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleOpenDispute_MissingReason(t *testing.T) {
	server := &Server{
		depositService: &stubDepositService{disputeErr: deposit.ErrReasonRequired},
	}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/deposits/dep-1/disputes", strings.NewReader(`{"claim":"x"}`)), "tenant-1")
	rec := httptest.NewRecorder()

	server.handleDepositDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleOpenDispute_SecondDisputeConflict(t *testing.T) {
	server := &Server{
		depositService: &stubDepositService{disputeErr: deposit.ErrInvalidState},
	}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/deposits/dep-1/disputes", strings.NewReader(`{"reason":"damage"}`)), "tenant-1")
	rec := httptest.NewRecorder()

	server.handleDepositDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleProviderReturn_RedirectsWithSuccess(t *testing.T) {
	server := &Server{
		reconciler:    &stubReconciler{outcome: payment.ReturnOutcome{Success: true}},
		statusPageURL: "/payments/status",
	}

	req := httptest.NewRequest(http.MethodGet, "/payments/return/alipay?out_trade_no=PAY-x&trade_status=TRADE_SUCCESS", nil)
	rec := httptest.NewRecorder()

	server.handleProviderReturn(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/payments/status?success=true" {
		t.Fatalf("unexpected redirect target %q", loc)
	}
}

func TestHandleProviderReturn_RedirectsWithErrorCode(t *testing.T) {
	server := &Server{
		reconciler:    &stubReconciler{outcome: payment.ReturnOutcome{Code: "payment_not_found"}, returnErr: payment.ErrNotFound},
		statusPageURL: "/payments/status",
	}

	req := httptest.NewRequest(http.MethodGet, "/payments/return/alipay?out_trade_no=PAY-x", nil)
	rec := httptest.NewRecorder()

	server.handleProviderReturn(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/payments/status?error=payment_not_found" {
		t.Fatalf("unexpected redirect target %q", loc)
	}
}

func TestHandleProviderWebhook_AlipayAck(t *testing.T) {
	server := &Server{reconciler: &stubReconciler{}}

	form := url.Values{"out_trade_no": {"PAY-x"}, "trade_status": {"TRADE_SUCCESS"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/alipay", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	server.handleProviderWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "success" {
		t.Fatalf("expected literal success ack, got %q", rec.Body.String())
	}
}

func TestHandleProviderWebhook_RejectedSignature(t *testing.T) {
	server := &Server{reconciler: &stubReconciler{webhookErr: payment.ErrSignature}}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/alipay", strings.NewReader("sign=bad"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	server.handleProviderWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Body.String() != "failure" {
		t.Fatalf("expected literal failure ack, got %q", rec.Body.String())
	}
}

func TestRequireAuth_MissingToken(t *testing.T) {
	server := &Server{authService: &stubAuthService{}}

	handler := server.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run without a token")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/payments", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuth_InvalidToken(t *testing.T) {
	server := &Server{authService: &stubAuthService{verifyErr: errors.New("expired")}}

	handler := server.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run with a bad token")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/payments", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuth_PassesIdentity(t *testing.T) {
	server := &Server{authService: &stubAuthService{userID: "tenant-1", role: auth.RoleTenant}}

	var gotID string
	handler := server.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		gotID = callerID(r)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/payments", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if gotID != "tenant-1" {
		t.Fatalf("expected caller id to flow through context, got %q", gotID)
	}
}
