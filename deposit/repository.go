package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the deposit or dispute does not exist.
	ErrNotFound = errors.New("deposit: not found")
)

const depositColumns = `id, user_id, property_id, amount, status::text, dispute_id, return_amount, deductions, actual_return, created_at, updated_at`

const disputeColumns = `id, deposit_id, tenant_id, landlord_id, reason, tenant_claim, landlord_claim, status::text, created_at, updated_at`

// Repository provides data access for deposits and disputes.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a deposit.
func (r *Repository) GetByID(ctx context.Context, id string) (Deposit, error) {
	d, err := scanDeposit(r.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deposit{}, ErrNotFound
		}
		return Deposit{}, fmt.Errorf("deposit: get by id: %w", err)
	}
	return d, nil
}

// LockTx fetches a deposit FOR UPDATE inside the caller's transaction.
func (r *Repository) LockTx(ctx context.Context, tx pgx.Tx, id string) (Deposit, error) {
	d, err := scanDeposit(tx.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deposit{}, ErrNotFound
		}
		return Deposit{}, fmt.Errorf("deposit: lock: %w", err)
	}
	return d, nil
}

// ReturnUpdate carries the terminal return transition for a deposit.
type ReturnUpdate struct {
	DepositID    string
	ReturnAmount int64
	Deductions   map[string]any
	ReturnedAt   time.Time
}

// ReturnTx marks a deposit returned, conditionally on it not already being
// returned. The guard in the WHERE clause makes replays lose the race
// instead of double-returning.
func (r *Repository) ReturnTx(ctx context.Context, tx pgx.Tx, upd ReturnUpdate) (Deposit, error) {
	const returnSQL = `
		UPDATE deposits
		SET status = 'returned',
		    return_amount = $2,
		    deductions = COALESCE($3::jsonb, deductions),
		    actual_return = $4,
		    updated_at = now()
		WHERE id = $1 AND status <> 'returned'
		RETURNING ` + depositColumns

	// A nil map must reach Postgres as SQL NULL, not jsonb 'null', or the
	// COALESCE would clobber existing deductions.
	var dedJSON []byte
	if upd.Deductions != nil {
		var err error
		dedJSON, err = json.Marshal(upd.Deductions)
		if err != nil {
			return Deposit{}, fmt.Errorf("deposit: marshal deductions: %w", err)
		}
	}

	d, err := scanDeposit(tx.QueryRow(ctx, returnSQL, upd.DepositID, upd.ReturnAmount, dedJSON, upd.ReturnedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deposit{}, ErrNotFound
		}
		return Deposit{}, fmt.Errorf("deposit: return: %w", err)
	}
	return d, nil
}

// CreateDisputeTx inserts a dispute row.
func (r *Repository) CreateDisputeTx(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	const insertSQL = `
		INSERT INTO disputes (deposit_id, tenant_id, landlord_id, reason, tenant_claim, landlord_claim, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'open')
		RETURNING ` + disputeColumns

	created, err := scanDispute(tx.QueryRow(ctx, insertSQL,
		d.DepositID, d.TenantID, d.LandlordID, d.Reason, d.TenantClaim, d.LandlordClaim))
	if err != nil {
		return Dispute{}, fmt.Errorf("deposit: create dispute: %w", err)
	}
	return created, nil
}

// MarkDisputedTx moves a held deposit to disputed and links the dispute,
// conditionally on the deposit still being held.
func (r *Repository) MarkDisputedTx(ctx context.Context, tx pgx.Tx, depositID, disputeID string) (Deposit, error) {
	const disputeSQL = `
		UPDATE deposits
		SET status = 'disputed',
		    dispute_id = $2,
		    updated_at = now()
		WHERE id = $1 AND status = 'held_in_escrow'
		RETURNING ` + depositColumns

	d, err := scanDeposit(tx.QueryRow(ctx, disputeSQL, depositID, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deposit{}, ErrNotFound
		}
		return Deposit{}, fmt.Errorf("deposit: mark disputed: %w", err)
	}
	return d, nil
}

// GetDisputeTx fetches a dispute FOR UPDATE inside the caller's transaction.
func (r *Repository) GetDisputeTx(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("deposit: get dispute: %w", err)
	}
	return d, nil
}

// ResolveDisputeTx closes an open dispute, conditionally on it still being
// open.
func (r *Repository) ResolveDisputeTx(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	const resolveSQL = `
		UPDATE disputes
		SET status = 'resolved',
		    updated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, resolveSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("deposit: resolve dispute: %w", err)
	}
	return d, nil
}

func scanDeposit(row pgx.Row) (Deposit, error) {
	var d Deposit
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.PropertyID,
		&d.Amount,
		&d.Status,
		&d.DisputeID,
		&d.ReturnAmount,
		&d.Deductions,
		&d.ActualReturn,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return Deposit{}, err
	}
	return d, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.DepositID,
		&d.TenantID,
		&d.LandlordID,
		&d.Reason,
		&d.TenantClaim,
		&d.LandlordClaim,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}
