package lease

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the lease does not exist.
	ErrNotFound = errors.New("lease: not found")
)

const leaseColumns = `id, property_id, tenant_id, agent_id, monthly_rent, status::text, activated_at, created_at, updated_at`

// Repository provides data access for leases.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a lease.
func (r *Repository) GetByID(ctx context.Context, id string) (Lease, error) {
	l, err := scanLease(r.pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, fmt.Errorf("lease: get by id: %w", err)
	}
	return l, nil
}

// LockTx fetches a lease FOR UPDATE inside the caller's transaction, pinning
// it for the duration of a check-in.
func (r *Repository) LockTx(ctx context.Context, tx pgx.Tx, id string) (Lease, error) {
	l, err := scanLease(tx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, fmt.Errorf("lease: lock: %w", err)
	}
	return l, nil
}

// ActivateTx flips a pending lease to active, conditionally on its current
// status.
func (r *Repository) ActivateTx(ctx context.Context, tx pgx.Tx, id string) (Lease, error) {
	const activateSQL = `
		UPDATE leases
		SET status = 'active',
		    activated_at = COALESCE(activated_at, now()),
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + leaseColumns

	l, err := scanLease(tx.QueryRow(ctx, activateSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, fmt.Errorf("lease: activate: %w", err)
	}
	return l, nil
}

// HasAgentTx reports whether the lease carries an agent. Used by the split
// computation.
func (r *Repository) HasAgentTx(ctx context.Context, tx pgx.Tx, leaseID string) (bool, error) {
	var agentID *string
	if err := tx.QueryRow(ctx, `SELECT agent_id FROM leases WHERE id = $1`, leaseID).Scan(&agentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("lease: agent lookup: %w", err)
	}
	return agentID != nil && *agentID != "", nil
}

func scanLease(row pgx.Row) (Lease, error) {
	var l Lease
	err := row.Scan(
		&l.ID,
		&l.PropertyID,
		&l.TenantID,
		&l.AgentID,
		&l.MonthlyRent,
		&l.Status,
		&l.ActivatedAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return Lease{}, err
	}
	return l, nil
}
