package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Event topics, one per successful state transition.
const (
	TopicDisputeIssued        = "dispute.issued"
	TopicDisputeFought        = "dispute.fought"
	TopicOutcomeProposed      = "dispute.outcome_proposed"
	TopicDisputeEscalated     = "dispute.escalated"
	TopicDisputeFinalized     = "dispute.finalized"
	TopicResolverJoined       = "resolver.joined"
	TopicResolverActivated    = "resolver.activated"
	TopicResolverDeactivated  = "resolver.deactivated"
	TopicResolverResigned     = "resolver.resigned"
	TopicResolverTerminated   = "resolver.terminated"
	TopicDelegated            = "resolver.delegated"
	TopicUndelegated          = "resolver.undelegated"
	TopicStakeReleased        = "stake.released"
)

// Event mirrors the events table.
type Event struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Enqueue writes one event row inside the caller's transaction, so the
// event commits if and only if the transition commits.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO events (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
