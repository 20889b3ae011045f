package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"rentflow/metrics"
	"rentflow/notify"
)

// ReleaseStore is the slice of the repository the releaser needs.
type ReleaseStore interface {
	GetByID(ctx context.Context, id string) (Payment, error)
	ReleaseEscrowTx(ctx context.Context, tx pgx.Tx, id string, meta map[string]any) (Payment, error)
	FindCompletedRentByLeaseTx(ctx context.Context, tx pgx.Tx, tenantID, leaseID string) (Payment, error)
}

// AgentDirectory reports whether a lease has an associated agent, which
// decides whether the agent fee applies.
type AgentDirectory interface {
	HasAgentTx(ctx context.Context, tx pgx.Tx, leaseID string) (bool, error)
}

// ReleaseResult reports an escrow release together with the computed split.
type ReleaseResult struct {
	Payment Payment
	Split   Split
}

// Releaser moves held funds out of escrow and computes the deterministic
// landlord/agent/platform split. The split happens at release time; the
// rates are configuration, not constants.
type Releaser struct {
	pool       TxBeginner
	repo       ReleaseStore
	properties LandlordDirectory
	agents     AgentDirectory
	emitter    OutboxEmitter
	rates      SplitRates
	log        *zap.Logger
	now        func() time.Time
}

func NewReleaser(
	pool TxBeginner,
	repo ReleaseStore,
	properties LandlordDirectory,
	agents AgentDirectory,
	emitter OutboxEmitter,
	rates SplitRates,
	log *zap.Logger,
) *Releaser {
	return &Releaser{
		pool:       pool,
		repo:       repo,
		properties: properties,
		agents:     agents,
		emitter:    emitter,
		rates:      rates,
		log:        log,
		now:        time.Now,
	}
}

// Release is the explicit release operation. Only the tenant named on the
// payment may invoke it; a caller mismatch is a hard Forbidden with no side
// effects.
func (r *Releaser) Release(ctx context.Context, callerID, paymentID string) (ReleaseResult, error) {
	p, err := r.repo.GetByID(ctx, paymentID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if p.UserID != callerID {
		return ReleaseResult{}, ErrForbidden
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("payment: begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := r.releaseTx(ctx, tx, p.ID, ChannelExplicit, callerID)
	if err != nil {
		return ReleaseResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ReleaseResult{}, fmt.Errorf("payment: commit release: %w", err)
	}

	metrics.EscrowReleases.WithLabelValues(ChannelExplicit).Inc()
	return result, nil
}

// ReleaseForLeaseTx releases the escrowed rent payment correlated to the
// lease inside the caller's check-in transaction. A missing payment is not
// an error: check-in proceeds and the caller reports fundsReleased=false.
func (r *Releaser) ReleaseForLeaseTx(ctx context.Context, tx pgx.Tx, tenantID, leaseID string) (bool, error) {
	p, err := r.repo.FindCompletedRentByLeaseTx(ctx, tx, tenantID, leaseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.log.Info("check-in without correlated rent payment; skipping funds release",
				zap.String("lease_id", leaseID),
				zap.String("tenant_id", tenantID))
			return false, nil
		}
		return false, err
	}

	if p.EscrowStatus == EscrowReleased {
		return false, nil
	}

	if _, err := r.releaseTx(ctx, tx, p.ID, ChannelCheckIn, tenantID); err != nil {
		return false, err
	}

	metrics.EscrowReleases.WithLabelValues(ChannelCheckIn).Inc()
	return true, nil
}

// releaseTx performs the conditional escrow transition, computes the split
// from the snapshotted amount, and enqueues the funds-released notification.
func (r *Releaser) releaseTx(ctx context.Context, tx pgx.Tx, paymentID, trigger, actorID string) (ReleaseResult, error) {
	// Correlation keys are immutable after initiation, so reading them
	// ahead of the conditional update is safe.
	preview, err := r.repo.GetByID(ctx, paymentID)
	if err != nil {
		return ReleaseResult{}, err
	}
	hasAgent := false
	if leaseID := preview.LeaseID(); leaseID != "" {
		hasAgent, err = r.agents.HasAgentTx(ctx, tx, leaseID)
		if err != nil {
			return ReleaseResult{}, err
		}
	}

	releasedAt := r.now().UTC().Format(time.RFC3339)
	p, err := r.repo.ReleaseEscrowTx(ctx, tx, paymentID, map[string]any{
		"released_at":  releasedAt,
		"released_via": trigger,
		"released_by":  actorID,
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	split, err := ComputeSplit(p.Amount, r.rates, hasAgent)
	if err != nil {
		return ReleaseResult{}, err
	}

	payload := map[string]any{
		"payment_id":   p.ID,
		"amount":       p.Amount,
		"platform_fee": split.PlatformFee,
		"agent_fee":    split.AgentFee,
		"landlord_net": split.LandlordNet,
		"trigger":      trigger,
	}
	if propertyID := p.PropertyID(); propertyID != "" {
		if landlordID, err := r.properties.LandlordOfTx(ctx, tx, propertyID); err == nil {
			payload["landlord_id"] = landlordID
		} else {
			r.log.Warn("funds-released notification without landlord; lookup failed",
				zap.String("payment_id", p.ID),
				zap.Error(err))
		}
	}

	if err := r.emitter.EmitTx(ctx, tx, notify.TopicPaymentReleased, payload); err != nil {
		r.log.Warn("funds-released notification enqueue failed",
			zap.String("payment_id", p.ID),
			zap.Error(err))
	}

	r.log.Info("escrow released",
		zap.String("payment_id", p.ID),
		zap.String("trigger", trigger),
		zap.Int64("amount", p.Amount),
		zap.Int64("landlord_net", split.LandlordNet))

	return ReleaseResult{Payment: p, Split: split}, nil
}
