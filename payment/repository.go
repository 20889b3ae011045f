package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no payment row exists for the identifier.
	ErrNotFound = errors.New("payment: not found")
	// ErrForbidden signals the caller is not the authorized party.
	ErrForbidden = errors.New("payment: forbidden")
	// ErrInvalidState signals the operation is not valid for the payment's
	// current status or escrow status.
	ErrInvalidState = errors.New("payment: invalid state for operation")
)

const paymentColumns = `id, user_id, type::text, amount, status::text, escrow_status::text, method::text, transaction_id, metadata, created_at, updated_at`

// Repository owns all reads and writes against the payments table. Every
// state transition is a conditional update keyed on the current state; the
// store, not application memory, is the serialization point.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateParams enumerates the fields recorded at initiation.
type CreateParams struct {
	UserID   string
	Type     Type
	Amount   int64
	Method   Method
	Metadata map[string]any
}

// Create inserts a new pending payment and returns it with its generated id.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Payment, error) {
	meta := params.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: marshal metadata: %w", err)
	}

	const insertSQL = `
		INSERT INTO payments (user_id, type, amount, method, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		RETURNING ` + paymentColumns

	p, err := scanPayment(r.pool.QueryRow(ctx, insertSQL, params.UserID, params.Type, params.Amount, params.Method, metaJSON))
	if err != nil {
		return Payment{}, fmt.Errorf("payment: create: %w", err)
	}
	return p, nil
}

// GetByID fetches a payment by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get by id: %w", err)
	}
	return p, nil
}

// ListByUser returns all payments belonging to a user, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("payment: list by user: %w", err)
	}
	defer rows.Close()

	out := make([]Payment, 0, 8)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate: %w", err)
	}
	return out, nil
}

// RecordProviderRef backfills the provider transaction id and merges
// provenance metadata without touching status. Used when a rail reports a
// not-yet-successful trade state.
func (r *Repository) RecordProviderRef(ctx context.Context, id string, transactionID string, meta map[string]any) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("payment: marshal metadata: %w", err)
	}

	var txnID *string
	if transactionID != "" {
		txnID = &transactionID
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE payments
		SET transaction_id = COALESCE(transaction_id, $2),
		    metadata = metadata || $3::jsonb,
		    updated_at = now()
		WHERE id = $1
	`, id, txnID, metaJSON)
	if err != nil {
		return fmt.Errorf("payment: record provider ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteParams carries the completion evidence reported by a channel.
// Metadata is merged on every call; FirstOnly is merged only when this call
// wins the pending→completed transition, so replays cannot clobber the
// original completion provenance.
type CompleteParams struct {
	PaymentID     string
	TransactionID string
	Metadata      map[string]any
	FirstOnly     map[string]any
}

// CompleteTx applies the pending→completed transition as a conditional
// update. It returns the payment and whether this call was the first
// effective transition. Replays against an already-completed payment are a
// success no-op that may still backfill transaction_id and enrich metadata.
// Escrow custody begins here: none becomes held_in_escrow atomically with
// completion.
func (r *Repository) CompleteTx(ctx context.Context, tx pgx.Tx, params CompleteParams) (Payment, bool, error) {
	metaJSON, err := json.Marshal(orEmpty(params.Metadata))
	if err != nil {
		return Payment{}, false, fmt.Errorf("payment: marshal metadata: %w", err)
	}
	firstJSON, err := json.Marshal(orEmpty(params.FirstOnly))
	if err != nil {
		return Payment{}, false, fmt.Errorf("payment: marshal metadata: %w", err)
	}

	var txnID *string
	if params.TransactionID != "" {
		txnID = &params.TransactionID
	}

	const completeSQL = `
		UPDATE payments
		SET status = 'completed',
		    escrow_status = CASE WHEN escrow_status = 'none' THEN 'held_in_escrow' ELSE escrow_status END,
		    transaction_id = COALESCE(transaction_id, $2),
		    metadata = metadata || $3::jsonb || $4::jsonb,
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, completeSQL, params.PaymentID, txnID, metaJSON, firstJSON))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, false, fmt.Errorf("payment: complete: %w", err)
	}

	// The conditional update matched nothing: the payment is missing,
	// failed, or already completed. Already-completed replays still get
	// their provenance merged.
	var status Status
	if err := tx.QueryRow(ctx, `SELECT status::text FROM payments WHERE id = $1 FOR UPDATE`, params.PaymentID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, false, ErrNotFound
		}
		return Payment{}, false, fmt.Errorf("payment: complete fetch: %w", err)
	}
	if status != StatusCompleted {
		return Payment{}, false, fmt.Errorf("%w: cannot complete payment in status %s", ErrInvalidState, status)
	}

	const enrichSQL = `
		UPDATE payments
		SET transaction_id = COALESCE(transaction_id, $2),
		    metadata = metadata || $3::jsonb,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + paymentColumns

	p, err = scanPayment(tx.QueryRow(ctx, enrichSQL, params.PaymentID, txnID, metaJSON))
	if err != nil {
		return Payment{}, false, fmt.Errorf("payment: enrich replay: %w", err)
	}
	return p, false, nil
}

// ReleaseEscrowTx moves held funds to released, conditionally on the payment
// being completed and not yet released.
func (r *Repository) ReleaseEscrowTx(ctx context.Context, tx pgx.Tx, id string, meta map[string]any) (Payment, error) {
	metaJSON, err := json.Marshal(orEmpty(meta))
	if err != nil {
		return Payment{}, fmt.Errorf("payment: marshal metadata: %w", err)
	}

	const releaseSQL = `
		UPDATE payments
		SET escrow_status = 'released',
		    metadata = metadata || $2::jsonb,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'completed'
		  AND escrow_status IN ('held_in_escrow', 'pending_release')
		RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, releaseSQL, id, metaJSON))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, fmt.Errorf("payment: release escrow: %w", err)
	}

	var status, escrow string
	if err := tx.QueryRow(ctx, `SELECT status::text, escrow_status::text FROM payments WHERE id = $1`, id).Scan(&status, &escrow); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: release fetch: %w", err)
	}
	return Payment{}, fmt.Errorf("%w: cannot release payment with status %s and escrow %s", ErrInvalidState, status, escrow)
}

// FindCompletedRentByLeaseTx locates a completed rent payment correlated to
// the lease. The indexed jsonb lookup is tried first; when it yields
// nothing, the tenant's payment history is scanned in memory, which is O(n)
// but bounded by small per-tenant volumes.
func (r *Repository) FindCompletedRentByLeaseTx(ctx context.Context, tx pgx.Tx, tenantID, leaseID string) (Payment, error) {
	const indexedSQL = `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE user_id = $1
		  AND type = 'rent'
		  AND status = 'completed'
		  AND metadata->>'lease_id' = $2
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`

	p, err := scanPayment(tx.QueryRow(ctx, indexedSQL, tenantID, leaseID))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, fmt.Errorf("payment: find rent by lease: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 AND type = 'rent' AND status = 'completed' ORDER BY created_at DESC FOR UPDATE`, tenantID)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: scan tenant rents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return Payment{}, fmt.Errorf("payment: scan: %w", err)
		}
		if p.LeaseID() == leaseID {
			return p, nil
		}
	}
	if err := rows.Err(); err != nil {
		return Payment{}, fmt.Errorf("payment: iterate tenant rents: %w", err)
	}
	return Payment{}, ErrNotFound
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p     Payment
		txnID *string
		meta  map[string]any
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Type,
		&p.Amount,
		&p.Status,
		&p.EscrowStatus,
		&p.Method,
		&txnID,
		&meta,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Payment{}, err
	}

	p.TransactionID = txnID
	p.Metadata = meta
	return p, nil
}
