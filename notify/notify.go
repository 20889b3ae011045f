package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Outbox topics for downstream notification delivery. Rows are written
// inside the same transaction as the state transition they announce, so a
// topic appears at most once per effective transition.
const (
	TopicPaymentCompleted = "payment.completed"
	TopicPaymentReleased  = "payment.released"
	TopicDepositReturned  = "deposit.returned"
	TopicDepositDisputed  = "deposit.disputed"
)

// Emitter enqueues notification messages on the transactional outbox.
// Delivery itself is owned by an external worker; the engine only guarantees
// the enqueue happens exactly once per transition.
type Emitter struct{}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// EmitTx inserts an outbox row within the caller's transaction.
func (e *Emitter) EmitTx(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}
