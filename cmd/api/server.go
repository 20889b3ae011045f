package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rentflow/auth"
	"rentflow/deposit"
	"rentflow/lease"
	"rentflow/payment"
	"rentflow/provider"
	"rentflow/telemetry"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type authAPI interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
}

type paymentAPI interface {
	Initiate(ctx context.Context, params payment.InitiateParams) (payment.Payment, payment.Checkout, error)
}

type paymentLister interface {
	ListByUser(ctx context.Context, userID string) ([]payment.Payment, error)
}

type reconcileAPI interface {
	HandleWebhook(ctx context.Context, method payment.Method, values url.Values) error
	HandleReturn(ctx context.Context, method payment.Method, values url.Values) (payment.ReturnOutcome, error)
	CheckStatus(ctx context.Context, callerID, paymentID string) (payment.CheckResult, error)
}

type releaseAPI interface {
	Release(ctx context.Context, callerID, paymentID string) (payment.ReleaseResult, error)
}

type leaseAPI interface {
	CheckIn(ctx context.Context, callerID, leaseID string) (lease.CheckInResult, error)
}

type depositAPI interface {
	Return(ctx context.Context, callerID, depositID string, params deposit.ReturnParams) (deposit.Deposit, error)
	OpenDispute(ctx context.Context, callerID, depositID string, params deposit.DisputeParams) (deposit.Dispute, error)
	ResolveDispute(ctx context.Context, callerID, disputeID string) (deposit.Dispute, error)
}

// Server holds the wired services and exposes them over HTTP.
type Server struct {
	authService    authAPI
	paymentService paymentAPI
	payments       paymentLister
	reconciler     reconcileAPI
	releaser       releaseAPI
	leaseService   leaseAPI
	depositService depositAPI
	statusPageURL  string
	log            *zap.Logger
}

func (s *Server) logger() *zap.Logger {
	if s.log != nil {
		return s.log
	}
	return telemetry.Logger
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/payments", s.requireAuth(s.handlePayments))
	mux.HandleFunc("/api/payments/", s.requireAuth(s.handlePaymentDetail))
	mux.HandleFunc("/api/leases/", s.requireAuth(s.handleLeaseDetail))
	mux.HandleFunc("/api/deposits/", s.requireAuth(s.handleDepositDetail))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))
	mux.HandleFunc("/webhooks/payments/", s.handleProviderWebhook)
	mux.HandleFunc("/payments/return/", s.handleProviderReturn)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// requireAuth resolves the bearer token into a user id and role before the
// wrapped handler runs.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain sentinels onto HTTP statuses. Internal
// detail stays in the logs, not the response body.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrForbidden),
		errors.Is(err, lease.ErrForbidden),
		errors.Is(err, deposit.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, payment.ErrNotFound),
		errors.Is(err, lease.ErrNotFound),
		errors.Is(err, deposit.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, payment.ErrInvalidState),
		errors.Is(err, lease.ErrInvalidState),
		errors.Is(err, deposit.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid state for operation")
	case errors.Is(err, payment.ErrValidation),
		errors.Is(err, payment.ErrBadOrderRef),
		errors.Is(err, deposit.ErrReasonRequired),
		errors.Is(err, deposit.ErrBadAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		var provErr *provider.Error
		if errors.As(err, &provErr) {
			writeError(w, http.StatusBadGateway, "payment provider unavailable")
			return
		}
		s.logger().Error("unhandled service error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"email": user.Email,
		"role":  user.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": map[string]any{
			"id":    result.User.ID,
			"email": result.User.Email,
			"role":  result.User.Role,
		},
	})
}

type createPaymentRequest struct {
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	Method      string `json:"method"`
	PropertyID  string `json:"propertyId"`
	LeaseID     string `json:"leaseId"`
	Description string `json:"description"`
	ReturnURL   string `json:"returnUrl"`
	NotifyURL   string `json:"notifyUrl"`
}

type paymentResponse struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	EscrowStatus  string `json:"escrowStatus"`
	Method        string `json:"method"`
	TransactionID string `json:"transactionId,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

func toPaymentResponse(p payment.Payment) paymentResponse {
	resp := paymentResponse{
		ID:           p.ID,
		Type:         string(p.Type),
		Amount:       p.Amount,
		Status:       string(p.Status),
		EscrowStatus: string(p.EscrowStatus),
		Method:       string(p.Method),
		CreatedAt:    p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if p.TransactionID != nil {
		resp.TransactionID = *p.TransactionID
	}
	return resp
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreatePayment(w, r)
	case http.MethodGet:
		s.handleListPayments(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	p, checkout, err := s.paymentService.Initiate(r.Context(), payment.InitiateParams{
		UserID:      callerID(r),
		Type:        payment.Type(req.Type),
		Amount:      req.Amount,
		Method:      payment.Method(req.Method),
		PropertyID:  req.PropertyID,
		LeaseID:     req.LeaseID,
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
		NotifyURL:   req.NotifyURL,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"payment":      toPaymentResponse(p),
		"orderRef":     checkout.OrderRef,
		"paymentUrl":   checkout.PaymentURL,
		"clientSecret": checkout.ClientSecret,
	})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	items, err := s.payments.ListByUser(r.Context(), callerID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]paymentResponse, 0, len(items))
	for _, p := range items {
		out = append(out, toPaymentResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// handlePaymentDetail routes /api/payments/{id}/check and
// /api/payments/{id}/release.
func (s *Server) handlePaymentDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/payments/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "malformed payment path")
		return
	}

	switch parts[1] {
	case "check":
		s.handleCheckStatus(w, r, parts[0])
	case "release":
		s.handleRelease(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request, paymentID string) {
	res, err := s.reconciler.CheckStatus(r.Context(), callerID(r), paymentID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        string(res.Status),
		"transactionId": res.TransactionID,
		"reconciled":    res.Reconciled,
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, paymentID string) {
	res, err := s.releaser.Release(r.Context(), callerID(r), paymentID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"payment": toPaymentResponse(res.Payment),
		"split": map[string]int64{
			"platformFee": res.Split.PlatformFee,
			"agentFee":    res.Split.AgentFee,
			"landlordNet": res.Split.LandlordNet,
		},
	})
}

func (s *Server) handleLeaseDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/leases/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "checkin" {
		writeError(w, http.StatusBadRequest, "malformed lease path")
		return
	}

	res, err := s.leaseService.CheckIn(r.Context(), callerID(r), parts[0])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"leaseId":       res.LeaseID,
		"status":        string(res.Status),
		"fundsReleased": res.FundsReleased,
	})
}

type depositReturnRequest struct {
	Amount     *int64         `json:"amount"`
	Deductions map[string]any `json:"deductions"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
	Claim  string `json:"claim"`
}

type disputeResponse struct {
	ID            string  `json:"id"`
	DepositID     string  `json:"depositId"`
	TenantID      string  `json:"tenantId"`
	LandlordID    string  `json:"landlordId"`
	Reason        string  `json:"reason"`
	TenantClaim   *string `json:"tenantClaim,omitempty"`
	LandlordClaim *string `json:"landlordClaim,omitempty"`
	Status        string  `json:"status"`
}

func toDisputeResponse(d deposit.Dispute) disputeResponse {
	return disputeResponse{
		ID:            d.ID,
		DepositID:     d.DepositID,
		TenantID:      d.TenantID,
		LandlordID:    d.LandlordID,
		Reason:        d.Reason,
		TenantClaim:   d.TenantClaim,
		LandlordClaim: d.LandlordClaim,
		Status:        string(d.Status),
	}
}

// handleDepositDetail routes /api/deposits/{id}/return and
// /api/deposits/{id}/disputes.
func (s *Server) handleDepositDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/deposits/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "malformed deposit path")
		return
	}

	switch parts[1] {
	case "return":
		s.handleDepositReturn(w, r, parts[0])
	case "disputes":
		s.handleOpenDispute(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleDepositReturn(w http.ResponseWriter, r *http.Request, depositID string) {
	var req depositReturnRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	d, err := s.depositService.Return(r.Context(), callerID(r), depositID, deposit.ReturnParams{
		Amount:     req.Amount,
		Deductions: req.Deductions,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := map[string]any{
		"id":     d.ID,
		"status": string(d.Status),
	}
	if d.ReturnAmount != nil {
		resp["returnAmount"] = *d.ReturnAmount
	}
	if d.ActualReturn != nil {
		resp["actualReturn"] = d.ActualReturn.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request, depositID string) {
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	d, err := s.depositService.OpenDispute(r.Context(), callerID(r), depositID, deposit.DisputeParams{
		Reason: req.Reason,
		Claim:  req.Claim,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

// handleDisputeDetail routes /api/disputes/{id}/resolve.
func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "resolve" {
		writeError(w, http.StatusBadRequest, "malformed dispute path")
		return
	}

	d, err := s.depositService.ResolveDispute(r.Context(), callerID(r), parts[0])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

// handleProviderWebhook is the asynchronous push channel. The response body
// is the provider's expected machine token, not JSON for the redirect rails.
func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	method := payment.Method(strings.TrimPrefix(r.URL.Path, "/webhooks/payments/"))
	if err := r.ParseForm(); err != nil {
		s.writeWebhookAck(w, method, false)
		return
	}

	err := s.reconciler.HandleWebhook(r.Context(), method, r.Form)
	if err != nil {
		s.logger().Warn("webhook rejected",
			zap.String("method", string(method)),
			zap.Error(err))
	}
	s.writeWebhookAck(w, method, err == nil)
}

// writeWebhookAck answers in each rail's retry dialect: a failure token
// makes the provider redeliver.
func (s *Server) writeWebhookAck(w http.ResponseWriter, method payment.Method, ok bool) {
	switch method {
	case payment.MethodAlipay:
		if ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("success"))
		} else {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("failure"))
		}
	case payment.MethodWechat:
		if ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("SUCCESS"))
		} else {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("FAIL"))
		}
	default:
		if ok {
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		} else {
			writeJSON(w, http.StatusBadRequest, map[string]bool{"received": false})
		}
	}
}

// handleProviderReturn is the synchronous browser redirect channel. The
// outcome always degrades to a status-page redirect; internal errors never
// surface to the user's browser.
func (s *Server) handleProviderReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	method := payment.Method(strings.TrimPrefix(r.URL.Path, "/payments/return/"))
	outcome, err := s.reconciler.HandleReturn(r.Context(), method, r.URL.Query())
	if err != nil {
		s.logger().Warn("return redirect did not converge",
			zap.String("method", string(method)),
			zap.String("code", outcome.Code),
			zap.Error(err))
	}

	target := s.statusPageURL
	if outcome.Success {
		target += "?success=true"
	} else {
		code := outcome.Code
		if code == "" {
			code = "internal"
		}
		target += "?error=" + url.QueryEscape(code)
	}
	http.Redirect(w, r, target, http.StatusFound)
}
