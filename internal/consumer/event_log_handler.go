package consumer

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventLogHandler writes consumed events into Postgres for downstream
// auditing and metric tracking. The log shares the history table's
// append-only discipline: rows are inserted once and never updated.
type EventLogHandler struct {
	pool *pgxpool.Pool
}

// NewEventLogHandler constructs a handler backed by the provided pool.
func NewEventLogHandler(pool *pgxpool.Pool) *EventLogHandler {
	return &EventLogHandler{pool: pool}
}

// Handle stores the event payload in the ledger_event_log table.
func (h *EventLogHandler) Handle(ctx context.Context, msg Message) error {
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO ledger_event_log (event_type, user_id, topic, partition, record_offset, payload, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		msg.EventType,
		msg.UserID,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.Payload,
		msg.Timestamp,
	)
	return err
}
