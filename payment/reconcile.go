package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"rentflow/metrics"
	"rentflow/notify"
	"rentflow/provider"
)

// ErrSignature signals a webhook payload whose signature failed verification
// against a configured provider key.
var ErrSignature = errors.New("payment: callback signature rejected")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CompletionStore is the slice of the repository the reconciler needs.
type CompletionStore interface {
	GetByID(ctx context.Context, id string) (Payment, error)
	CompleteTx(ctx context.Context, tx pgx.Tx, params CompleteParams) (Payment, bool, error)
	RecordProviderRef(ctx context.Context, id string, transactionID string, meta map[string]any) error
}

// LandlordDirectory resolves notification recipients from property
// correlation keys.
type LandlordDirectory interface {
	LandlordOf(ctx context.Context, propertyID string) (string, error)
	LandlordOfTx(ctx context.Context, tx pgx.Tx, propertyID string) (string, error)
}

// OutboxEmitter enqueues downstream notifications transactionally.
type OutboxEmitter interface {
	EmitTx(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Reconciler converges a payment to completed exactly once in effect, no
// matter which of the three channels (webhook, return redirect, manual poll)
// reports first, again, or concurrently.
type Reconciler struct {
	pool       TxBeginner
	repo       CompletionStore
	properties LandlordDirectory
	emitter    OutboxEmitter
	adapters   map[Method]provider.Adapter
	grace      time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewReconciler(
	pool TxBeginner,
	repo CompletionStore,
	properties LandlordDirectory,
	emitter OutboxEmitter,
	adapters map[Method]provider.Adapter,
	grace time.Duration,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		pool:       pool,
		repo:       repo,
		properties: properties,
		emitter:    emitter,
		adapters:   adapters,
		grace:      grace,
		log:        log,
		now:        time.Now,
	}
}

// HandleWebhook processes an asynchronous server-to-server provider push.
// A failed signature rejects the payload outright; providers retry on the
// failure literal the HTTP layer responds with.
func (r *Reconciler) HandleWebhook(ctx context.Context, method Method, values url.Values) error {
	ad, ok := r.adapters[method]
	if !ok {
		return fmt.Errorf("payment: unknown payment method %q", method)
	}

	switch ad.VerifyCallback(values) {
	case provider.AuthFailed:
		metrics.ReconcileTransitions.WithLabelValues(ChannelWebhook, "rejected").Inc()
		return ErrSignature
	case provider.AuthUnverified:
		metrics.UnverifiedCallbacks.WithLabelValues(string(method), ChannelWebhook).Inc()
		r.log.Warn("accepting unverified provider callback; no key material configured",
			zap.String("method", string(method)),
			zap.String("channel", ChannelWebhook))
	}

	cb, err := ad.ParseCallback(values)
	if err != nil {
		metrics.ReconcileTransitions.WithLabelValues(ChannelWebhook, "rejected").Inc()
		return err
	}

	paymentID, err := ParseOrderRef(cb.OrderRef)
	if err != nil {
		metrics.ReconcileTransitions.WithLabelValues(ChannelWebhook, "rejected").Inc()
		return err
	}

	if !cb.Succeeded {
		// Not a completion. Keep the provider reference so the manual
		// poll path can act on it later.
		meta := map[string]any{
			"webhook_last_status": cb.RawStatus,
			"webhook_seen_at":     r.now().UTC().Format(time.RFC3339),
		}
		return r.repo.RecordProviderRef(ctx, paymentID, cb.TransactionID, meta)
	}

	_, _, err = r.converge(ctx, ChannelWebhook, method, paymentID, cb)
	return err
}

// ReturnOutcome is what the redirect handler turns into status-page query
// parameters.
type ReturnOutcome struct {
	Success bool
	Code    string
}

// HandleReturn processes the synchronous browser redirect. Per product
// policy a failed or absent signature does not block the transition; the
// acceptance is counted and logged instead.
func (r *Reconciler) HandleReturn(ctx context.Context, method Method, values url.Values) (ReturnOutcome, error) {
	ad, ok := r.adapters[method]
	if !ok {
		return ReturnOutcome{Code: "unknown_method"}, fmt.Errorf("payment: unknown payment method %q", method)
	}

	if auth := ad.VerifyCallback(values); auth != provider.AuthVerified {
		metrics.UnverifiedCallbacks.WithLabelValues(string(method), ChannelReturn).Inc()
		r.log.Warn("accepting return redirect without verified signature",
			zap.String("method", string(method)),
			zap.String("channel", ChannelReturn))
	}

	cb, err := ad.ParseCallback(values)
	if err != nil {
		metrics.ReconcileTransitions.WithLabelValues(ChannelReturn, "rejected").Inc()
		return ReturnOutcome{Code: "invalid_callback"}, err
	}

	paymentID, err := ParseOrderRef(cb.OrderRef)
	if err != nil {
		metrics.ReconcileTransitions.WithLabelValues(ChannelReturn, "rejected").Inc()
		return ReturnOutcome{Code: "bad_reference"}, err
	}

	if !cb.Succeeded {
		return ReturnOutcome{Code: "trade_not_successful"}, nil
	}

	if _, _, err := r.converge(ctx, ChannelReturn, method, paymentID, cb); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ReturnOutcome{Code: "payment_not_found"}, err
		}
		if errors.Is(err, ErrInvalidState) {
			return ReturnOutcome{Code: "payment_failed"}, err
		}
		if errors.Is(err, ErrValidation) {
			return ReturnOutcome{Code: "method_mismatch"}, err
		}
		return ReturnOutcome{Code: "internal"}, err
	}

	return ReturnOutcome{Success: true}, nil
}

// CheckResult is returned by the manual poll path.
type CheckResult struct {
	Status        Status
	TransactionID string
	Reconciled    bool
}

// CheckStatus is the manual poll channel. It compensates for missed
// webhooks, but only once the payment is old enough and a provider
// transaction id is already on record; otherwise it reads without writing.
func (r *Reconciler) CheckStatus(ctx context.Context, callerID, paymentID string) (CheckResult, error) {
	p, err := r.repo.GetByID(ctx, paymentID)
	if err != nil {
		return CheckResult{}, err
	}

	if err := r.authorizeCheck(ctx, callerID, p); err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{Status: p.Status}
	if p.TransactionID != nil {
		result.TransactionID = *p.TransactionID
	}

	if p.Status != StatusPending {
		return result, nil
	}
	if p.TransactionID == nil || r.now().Sub(p.CreatedAt) <= r.grace {
		return result, nil
	}

	cb := provider.Callback{
		TransactionID: *p.TransactionID,
		RawStatus:     "manual_poll",
		Succeeded:     true,
	}
	updated, first, err := r.converge(ctx, ChannelManualPoll, p.Method, p.ID, cb)
	if err != nil {
		return CheckResult{}, err
	}

	result.Status = updated.Status
	result.Reconciled = first
	if updated.TransactionID != nil {
		result.TransactionID = *updated.TransactionID
	}
	return result, nil
}

func (r *Reconciler) authorizeCheck(ctx context.Context, callerID string, p Payment) error {
	if callerID == p.UserID {
		return nil
	}
	if propertyID := p.PropertyID(); propertyID != "" {
		landlord, err := r.properties.LandlordOf(ctx, propertyID)
		if err == nil && landlord == callerID {
			return nil
		}
	}
	return ErrForbidden
}

// converge applies the pending→completed transition for one channel. The
// conditional update inside CompleteTx is the serialization point; replays
// come back as first=false and are treated as success.
func (r *Reconciler) converge(ctx context.Context, channel string, method Method, paymentID string, cb provider.Callback) (Payment, bool, error) {
	// A callback that arrives on one rail's route must not complete a
	// payment initiated on another rail.
	current, err := r.repo.GetByID(ctx, paymentID)
	if err != nil {
		return Payment{}, false, err
	}
	if current.Method != method {
		metrics.ReconcileTransitions.WithLabelValues(channel, "rejected").Inc()
		return Payment{}, false, fmt.Errorf("%w: callback rail %q does not match payment rail %q", ErrValidation, method, current.Method)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Payment{}, false, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	seenAt := r.now().UTC().Format(time.RFC3339)
	meta := map[string]any{
		channel + "_seen_at": seenAt,
		channel + "_status":  cb.RawStatus,
	}
	if cb.TransactionID != "" {
		meta[channel+"_transaction_id"] = cb.TransactionID
	}

	p, first, err := r.repo.CompleteTx(ctx, tx, CompleteParams{
		PaymentID:     paymentID,
		TransactionID: cb.TransactionID,
		Metadata:      meta,
		FirstOnly: map[string]any{
			"completed_via": channel,
			"completed_at":  seenAt,
		},
	})
	if err != nil {
		return Payment{}, false, err
	}

	if first {
		r.emitFundsReceived(ctx, tx, p, channel)
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, false, fmt.Errorf("payment: commit convergence: %w", err)
	}

	outcome := "noop"
	if first {
		outcome = "completed"
	}
	metrics.ReconcileTransitions.WithLabelValues(channel, outcome).Inc()

	r.log.Info("payment reconciled",
		zap.String("payment_id", p.ID),
		zap.String("channel", channel),
		zap.String("method", string(method)),
		zap.Bool("first_transition", first))

	return p, first, nil
}

// emitFundsReceived enqueues the landlord-facing funds-received notification.
// Lookup or enqueue failures are logged and swallowed: custody correctness
// outranks notification delivery, so the transition must not roll back.
func (r *Reconciler) emitFundsReceived(ctx context.Context, tx pgx.Tx, p Payment, channel string) {
	propertyID := p.PropertyID()
	if propertyID == "" {
		return
	}

	landlordID, err := r.properties.LandlordOfTx(ctx, tx, propertyID)
	if err != nil {
		r.log.Warn("skipping funds-received notification; landlord lookup failed",
			zap.String("payment_id", p.ID),
			zap.String("property_id", propertyID),
			zap.Error(err))
		return
	}

	payload := map[string]any{
		"payment_id":  p.ID,
		"landlord_id": landlordID,
		"property_id": propertyID,
		"amount":      p.Amount,
		"type":        string(p.Type),
		"channel":     channel,
	}
	if leaseID := p.LeaseID(); leaseID != "" {
		payload["lease_id"] = leaseID
	}

	if err := r.emitter.EmitTx(ctx, tx, notify.TopicPaymentCompleted, payload); err != nil {
		r.log.Warn("funds-received notification enqueue failed",
			zap.String("payment_id", p.ID),
			zap.Error(err))
	}
}
