package lease

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"rentflow/telemetry"
)

var (
	// ErrForbidden signals the caller is not the tenant on the lease.
	ErrForbidden = errors.New("lease: forbidden")
	// ErrInvalidState signals the lease cannot be checked in from its
	// current status.
	ErrInvalidState = errors.New("lease: invalid state")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required for check-in.
type Store interface {
	LockTx(ctx context.Context, tx pgx.Tx, id string) (Lease, error)
	ActivateTx(ctx context.Context, tx pgx.Tx, id string) (Lease, error)
}

// FundsReleaser releases escrowed rent for a lease inside the caller's
// transaction. A false result means no releasable payment was found, which
// is not an error for check-in.
type FundsReleaser interface {
	ReleaseForLeaseTx(ctx context.Context, tx pgx.Tx, tenantID, leaseID string) (bool, error)
}

// Service coordinates lease check-in.
type Service struct {
	pool     TxBeginner
	repo     Store
	releaser FundsReleaser
	log      *zap.Logger
}

func NewService(pool TxBeginner, repo Store, releaser FundsReleaser) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		releaser: releaser,
		log:      telemetry.Logger.Named("lease"),
	}
}

// CheckIn marks the lease active and releases the escrowed first rent in the
// same transaction. Only the tenant on the lease may check in, and only from
// the pending status.
func (s *Service) CheckIn(ctx context.Context, callerID, leaseID string) (CheckInResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CheckInResult{}, fmt.Errorf("lease: begin checkin: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.repo.LockTx(ctx, tx, leaseID)
	if err != nil {
		return CheckInResult{}, err
	}
	if l.TenantID != callerID {
		return CheckInResult{}, ErrForbidden
	}
	if l.Status != StatusPending {
		return CheckInResult{}, fmt.Errorf("%w: lease is %s", ErrInvalidState, l.Status)
	}

	if _, err := s.repo.ActivateTx(ctx, tx, leaseID); err != nil {
		return CheckInResult{}, err
	}

	released, err := s.releaser.ReleaseForLeaseTx(ctx, tx, l.TenantID, leaseID)
	if err != nil {
		return CheckInResult{}, fmt.Errorf("lease: release on checkin: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CheckInResult{}, fmt.Errorf("lease: commit checkin: %w", err)
	}

	s.log.Info("lease checked in",
		zap.String("lease_id", leaseID),
		zap.String("tenant_id", callerID),
		zap.Bool("funds_released", released))

	return CheckInResult{LeaseID: leaseID, Status: StatusActive, FundsReleased: released}, nil
}
