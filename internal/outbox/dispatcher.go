// Package outbox delivers persisted ledger events to Kafka.
package outbox

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// Message is a claimed outbox row ready for delivery.
type Message struct {
	EventID      int64
	UserID       string
	EventType    string
	Topic        string
	PartitionKey string
	Payload      []byte
}

// Dispatcher drains the outbox table and delivers events to Kafka. Rows are
// claimed with SKIP LOCKED so multiple instances never double-publish; a
// failed delivery rolls the claim back and the rows retry on the next poll.
type Dispatcher struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	pollInterval     time.Duration
	batchSize        int
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, pollInterval time.Duration, batchSize int) *Dispatcher {
	return &Dispatcher{
		pool:             pool,
		producer:         producer,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		shutdownComplete: make(chan struct{}),
	}
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("outbox dispatcher error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until the dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	messages, err := fetchUnpublished(ctx, tx, d.batchSize)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return tx.Commit(ctx)
	}
	defer batchDuration.Observe(time.Since(start).Seconds())

	if err := d.deliver(ctx, messages); err != nil {
		failedCounter.Add(float64(len(messages)))
		return err
	}

	if err := markPublished(ctx, tx, messages); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	deliveredCounter.Add(float64(len(messages)))
	return nil
}

func fetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `SELECT event_id, user_id, event_type, topic, partition_key, payload
        FROM outbox
        WHERE published_at IS NULL
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.EventID, &msg.UserID, &msg.EventType, &msg.Topic, &msg.PartitionKey, &msg.Payload); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	byTopic := make(map[string][]kafka.Message)
	for _, msg := range messages {
		byTopic[msg.Topic] = append(byTopic[msg.Topic], kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: msg.Payload,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(msg.EventType)},
				{Key: "user_id", Value: []byte(msg.UserID)},
			},
		})
	}

	for topic, batch := range byTopic {
		if err := d.producer.WriteMessages(ctx, topic, batch...); err != nil {
			return err
		}
	}
	return nil
}

func markPublished(ctx context.Context, tx pgx.Tx, messages []Message) error {
	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.EventID)
	}

	_, err := tx.Exec(ctx,
		`UPDATE outbox SET published_at=now() WHERE event_id = ANY($1)`, ids)
	return err
}
