package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"rentflow/notify"
	"rentflow/telemetry"
)

var (
	// ErrForbidden signals the caller is not the authorized party for the
	// deposit.
	ErrForbidden = errors.New("deposit: forbidden")
	// ErrInvalidState signals the deposit cannot accept the operation from
	// its current status.
	ErrInvalidState = errors.New("deposit: invalid state")
	// ErrReasonRequired signals a dispute was opened without a reason.
	ErrReasonRequired = errors.New("deposit: dispute reason is mandatory")
	// ErrBadAmount signals a return amount outside (0, deposit amount].
	ErrBadAmount = errors.New("deposit: return amount out of range")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the lifecycle needs.
type Store interface {
	LockTx(ctx context.Context, tx pgx.Tx, id string) (Deposit, error)
	ReturnTx(ctx context.Context, tx pgx.Tx, upd ReturnUpdate) (Deposit, error)
	CreateDisputeTx(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	MarkDisputedTx(ctx context.Context, tx pgx.Tx, depositID, disputeID string) (Deposit, error)
	GetDisputeTx(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	ResolveDisputeTx(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
}

// LandlordDirectory resolves the landlord of a property inside the caller's
// transaction.
type LandlordDirectory interface {
	LandlordOfTx(ctx context.Context, tx pgx.Tx, propertyID string) (string, error)
}

// OutboxEmitter writes notification rows inside the caller's transaction.
type OutboxEmitter interface {
	EmitTx(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the deposit lifecycle transitions.
type Service struct {
	pool       TxBeginner
	repo       Store
	properties LandlordDirectory
	emitter    OutboxEmitter
	log        *zap.Logger
	now        func() time.Time
}

func NewService(pool TxBeginner, repo Store, properties LandlordDirectory, emitter OutboxEmitter) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		properties: properties,
		emitter:    emitter,
		log:        telemetry.Logger.Named("deposit"),
		now:        time.Now,
	}
}

// ReturnParams carries the landlord's return decision. Amount defaults to
// the full deposit when nil.
type ReturnParams struct {
	Amount     *int64
	Deductions map[string]any
}

// Return settles a deposit back to the tenant. Only the landlord of the
// correlated property may return it, and returned is terminal. A disputed
// deposit can still be returned, which ends the lifecycle.
func (s *Service) Return(ctx context.Context, callerID, depositID string, params ReturnParams) (Deposit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deposit{}, fmt.Errorf("deposit: begin return: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.LockTx(ctx, tx, depositID)
	if err != nil {
		return Deposit{}, err
	}

	landlordID, err := s.properties.LandlordOfTx(ctx, tx, d.PropertyID)
	if err != nil {
		return Deposit{}, fmt.Errorf("deposit: landlord lookup: %w", err)
	}
	if callerID != landlordID {
		return Deposit{}, ErrForbidden
	}
	if d.Status == StatusReturned {
		return Deposit{}, fmt.Errorf("%w: deposit already returned", ErrInvalidState)
	}

	amount := d.Amount
	if params.Amount != nil {
		amount = *params.Amount
	}
	if amount <= 0 || amount > d.Amount {
		return Deposit{}, ErrBadAmount
	}

	returned, err := s.repo.ReturnTx(ctx, tx, ReturnUpdate{
		DepositID:    depositID,
		ReturnAmount: amount,
		Deductions:   params.Deductions,
		ReturnedAt:   s.now().UTC(),
	})
	if err != nil {
		return Deposit{}, err
	}

	payload := map[string]any{
		"deposit_id":    returned.ID,
		"tenant_id":     returned.UserID,
		"property_id":   returned.PropertyID,
		"amount":        returned.Amount,
		"return_amount": amount,
	}
	if err := s.emitter.EmitTx(ctx, tx, notify.TopicDepositReturned, payload); err != nil {
		return Deposit{}, fmt.Errorf("deposit: emit return notification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Deposit{}, fmt.Errorf("deposit: commit return: %w", err)
	}

	s.log.Info("deposit returned",
		zap.String("deposit_id", depositID),
		zap.String("landlord_id", landlordID),
		zap.Int64("return_amount", amount))

	return returned, nil
}

// DisputeParams carries a dispute opened by either side of the deposit.
type DisputeParams struct {
	Reason string
	Claim  string
}

// OpenDispute opens a dispute and forces the deposit to disputed in the same
// transaction. The initiator's claim lands in its own column only. A second
// dispute, or a dispute against a returned deposit, is rejected.
func (s *Service) OpenDispute(ctx context.Context, callerID, depositID string, params DisputeParams) (Dispute, error) {
	if params.Reason == "" {
		return Dispute{}, ErrReasonRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("deposit: begin dispute: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.LockTx(ctx, tx, depositID)
	if err != nil {
		return Dispute{}, err
	}

	landlordID, err := s.properties.LandlordOfTx(ctx, tx, d.PropertyID)
	if err != nil {
		return Dispute{}, fmt.Errorf("deposit: landlord lookup: %w", err)
	}
	if callerID != d.UserID && callerID != landlordID {
		return Dispute{}, ErrForbidden
	}
	switch d.Status {
	case StatusReturned:
		return Dispute{}, fmt.Errorf("%w: deposit already returned", ErrInvalidState)
	case StatusDisputed:
		return Dispute{}, fmt.Errorf("%w: deposit already disputed", ErrInvalidState)
	}

	dispute := Dispute{
		DepositID:  depositID,
		TenantID:   d.UserID,
		LandlordID: landlordID,
		Reason:     params.Reason,
	}
	if params.Claim != "" {
		claim := params.Claim
		if callerID == d.UserID {
			dispute.TenantClaim = &claim
		} else {
			dispute.LandlordClaim = &claim
		}
	}

	created, err := s.repo.CreateDisputeTx(ctx, tx, dispute)
	if err != nil {
		return Dispute{}, err
	}
	if _, err := s.repo.MarkDisputedTx(ctx, tx, depositID, created.ID); err != nil {
		return Dispute{}, err
	}

	payload := map[string]any{
		"deposit_id":  depositID,
		"dispute_id":  created.ID,
		"tenant_id":   d.UserID,
		"landlord_id": landlordID,
		"opened_by":   callerID,
	}
	if err := s.emitter.EmitTx(ctx, tx, notify.TopicDepositDisputed, payload); err != nil {
		return Dispute{}, fmt.Errorf("deposit: emit dispute notification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("deposit: commit dispute: %w", err)
	}

	s.log.Info("deposit disputed",
		zap.String("deposit_id", depositID),
		zap.String("dispute_id", created.ID),
		zap.String("opened_by", callerID))

	return created, nil
}

// ResolveDispute closes an open dispute. Either party on the dispute may
// resolve it. The deposit stays disputed until the landlord returns it.
func (s *Service) ResolveDispute(ctx context.Context, callerID, disputeID string) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("deposit: begin resolve: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetDisputeTx(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if callerID != d.TenantID && callerID != d.LandlordID {
		return Dispute{}, ErrForbidden
	}
	if d.Status != DisputeOpen {
		return Dispute{}, fmt.Errorf("%w: dispute already resolved", ErrInvalidState)
	}

	resolved, err := s.repo.ResolveDisputeTx(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("deposit: commit resolve: %w", err)
	}

	s.log.Info("dispute resolved",
		zap.String("dispute_id", disputeID),
		zap.String("resolved_by", callerID))

	return resolved, nil
}
