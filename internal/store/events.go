package store

import (
	"context"

	"github.com/wekeza-labs/backend-duka/internal/events"
)

// InsertEvent persists a domain event. Queries satisfies events.Store.
func (q *Queries) InsertEvent(ctx context.Context, arg events.InsertEventParams) (events.Event, error) {
	var ev events.Event
	err := q.db.QueryRow(ctx, `INSERT INTO domain_events (topic, aggregate_id, payload)
VALUES ($1, $2, $3)
RETURNING id, topic, aggregate_id, payload, occurred_at`,
		arg.Topic, arg.AggregateID, arg.Payload).Scan(
		&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt)
	return ev, err
}
