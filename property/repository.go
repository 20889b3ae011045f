package property

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested property does not exist.
var ErrNotFound = errors.New("property: not found")

// Repository provides read access to properties. The payment engine treats
// properties as a passive collaborator; it never mutates them.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a property by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Property, error) {
	const query = `
		SELECT id, landlord_id, title, created_at
		FROM properties
		WHERE id = $1
	`

	var p Property
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.LandlordID, &p.Title, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Property{}, ErrNotFound
		}
		return Property{}, fmt.Errorf("property: query by id: %w", err)
	}

	return p, nil
}

// LandlordOf resolves the landlord for a property.
func (r *Repository) LandlordOf(ctx context.Context, propertyID string) (string, error) {
	var landlordID string
	err := r.pool.QueryRow(ctx, `SELECT landlord_id FROM properties WHERE id = $1`, propertyID).Scan(&landlordID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("property: landlord of %s: %w", propertyID, err)
	}
	return landlordID, nil
}

// LandlordOfTx resolves the landlord for a property inside the caller's
// transaction, so notification addressing shares the surrounding snapshot.
func (r *Repository) LandlordOfTx(ctx context.Context, tx pgx.Tx, propertyID string) (string, error) {
	var landlordID string
	err := tx.QueryRow(ctx, `SELECT landlord_id FROM properties WHERE id = $1`, propertyID).Scan(&landlordID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("property: landlord of %s: %w", propertyID, err)
	}
	return landlordID, nil
}
