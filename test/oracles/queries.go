package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each query selects violations, so an
// empty result set means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_escrow_requires_completion",
			SQL: `SELECT id, status, escrow_status FROM payments
                  WHERE escrow_status <> 'none' AND status <> 'completed'`,
		},
		{
			Name: "O2_single_completion_notification",
			SQL: `SELECT payload->>'payment_id', COUNT(*) FROM outbox
                  WHERE topic = 'payment.completed'
                  GROUP BY payload->>'payment_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_single_release_notification",
			SQL: `SELECT payload->>'payment_id', COUNT(*) FROM outbox
                  WHERE topic = 'payment.released'
                  GROUP BY payload->>'payment_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_split_conservation",
			SQL: `SELECT id FROM outbox
                  WHERE topic = 'payment.released'
                    AND (payload->>'platform_fee')::bigint
                      + (payload->>'agent_fee')::bigint
                      + (payload->>'landlord_net')::bigint
                     <> (payload->>'amount')::bigint`,
		},
		{
			Name: "O5_completion_provenance_present",
			SQL: `SELECT id FROM payments
                  WHERE status = 'completed' AND NOT (metadata ? 'completed_via')`,
		},
		{
			Name: "O6_returned_deposit_settled",
			SQL: `SELECT id FROM deposits
                  WHERE status = 'returned' AND (return_amount IS NULL OR actual_return IS NULL)`,
		},
		{
			Name: "O7_disputed_deposit_linked",
			SQL: `SELECT id FROM deposits
                  WHERE status = 'disputed' AND dispute_id IS NULL`,
		},
		{
			Name: "O8_single_open_dispute",
			SQL: `SELECT deposit_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY deposit_id HAVING COUNT(*) > 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
