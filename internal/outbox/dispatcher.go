// Package outbox delivers attendance events written alongside record changes to Kafka.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"example.com/attendance/internal/observability"
	platformevents "example.com/attendance/pkg/platform/events"
)

// Kafka headers set on every delivered event.
const (
	HeaderEventType     = "event_type"
	HeaderUserID        = "user_id"
	HeaderSchemaSubject = "schema_subject"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Message is one claimed outbox row.
type Message struct {
	EventID       int64
	UserID        string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// failure is a message that could not be delivered and why.
type failure struct {
	msg    Message
	reason string
}

// Dispatcher drains the outbox table and delivers events to Kafka. Messages that
// cannot be delivered are dead-lettered individually so the rest of a batch
// still goes out.
type Dispatcher struct {
	pool         *pgxpool.Pool
	producer     messageWriter
	registry     schemaRegistrar
	dlq          *DLQWriter
	pollInterval time.Duration
	batchSize    int
	schemaIDs    sync.Map
	now          func() time.Time
	logger       *log.Logger
	done         chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int) *Dispatcher {
	return &Dispatcher{
		pool:         pool,
		producer:     producer,
		registry:     registry,
		dlq:          NewDLQWriter(pool),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		now:          time.Now,
		logger:       log.New(log.Writer(), "[outbox] ", log.LstdFlags|log.Lmsgprefix),
		done:         make(chan struct{}),
	}
}

// Start polls until ctx is cancelled. A full batch is followed immediately by
// the next one instead of waiting for the ticker.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		n, err := d.processBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("dispatch: %v", err)
		}
		if err == nil && n == d.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start returns.
func (d *Dispatcher) Wait() {
	<-d.done
}

// processBatch claims, delivers and settles one batch, returning its size.
func (d *Dispatcher) processBatch(ctx context.Context) (int, error) {
	start := time.Now()

	messages, err := d.claim(ctx)
	if err != nil || len(messages) == 0 {
		return 0, err
	}
	defer observeBatch(start)

	failures := d.deliver(ctx, messages)
	failed := make(map[int64]bool, len(failures))
	for _, f := range failures {
		if err := d.dlq.Write(ctx, f.msg, f.reason); err != nil {
			return len(messages), fmt.Errorf("dead-letter event %d: %w", f.msg.EventID, err)
		}
		failed[f.msg.EventID] = true
		recordEvent(f.msg.Topic, outcomeDeadLettered)
		d.logger.Printf("event %d (%s) dead-lettered: %s", f.msg.EventID, f.msg.EventType, f.reason)
	}

	if err := d.markPublished(ctx, messages); err != nil {
		return len(messages), err
	}
	for _, msg := range messages {
		if !failed[msg.EventID] {
			recordEvent(msg.Topic, outcomeDelivered)
		}
	}
	if len(failures) < len(messages) {
		observability.RecordEventsPublished(d.now())
	}
	return len(messages), nil
}

// claim locks the oldest unpublished rows and stamps claimed_at.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	var messages []Message
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT event_id, user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload
               FROM outbox
              WHERE published_at IS NULL
              ORDER BY event_id
              LIMIT $1
                FOR UPDATE SKIP LOCKED`, d.batchSize)
		if err != nil {
			return err
		}
		messages, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Message])
		if err != nil || len(messages) == 0 {
			return err
		}

		ids := eventIDs(messages)
		_, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return messages, nil
}

// deliver writes messages grouped per topic in outbox order. It returns the
// messages that could not be encoded or written.
func (d *Dispatcher) deliver(ctx context.Context, messages []Message) []failure {
	var failures []failure
	batches := make(map[string][]Message)
	records := make(map[string][]kafka.Message)
	var topics []string

	for _, msg := range messages {
		schemaID, err := d.schemaID(ctx, msg)
		if err != nil {
			failures = append(failures, failure{msg: msg, reason: err.Error()})
			continue
		}
		if _, seen := batches[msg.Topic]; !seen {
			topics = append(topics, msg.Topic)
		}
		batches[msg.Topic] = append(batches[msg.Topic], msg)
		records[msg.Topic] = append(records[msg.Topic], kafkaRecord(msg, schemaID, d.now().UTC()))
	}

	for _, topic := range topics {
		if err := d.producer.WriteMessages(ctx, topic, records[topic]...); err != nil {
			reason := fmt.Sprintf("write to topic %s: %v", topic, err)
			for _, msg := range batches[topic] {
				failures = append(failures, failure{msg: msg, reason: reason})
			}
		}
	}
	return failures
}

func (d *Dispatcher) schemaID(ctx context.Context, msg Message) (int, error) {
	schema, ok := schemaCatalog[msg.EventType]
	if !ok {
		return 0, fmt.Errorf("no schema metadata for event_type=%s", msg.EventType)
	}

	key := msg.SchemaSubject + "::" + msg.EventType
	if cached, found := d.schemaIDs.Load(key); found {
		return cached.(int), nil
	}

	id, err := d.registry.EnsureSchema(ctx, msg.SchemaSubject, schema)
	if err != nil {
		return 0, fmt.Errorf("resolve schema %s: %w", msg.SchemaSubject, err)
	}
	d.schemaIDs.Store(key, id)
	return id, nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, eventIDs(messages))
	return err
}

func eventIDs(messages []Message) []int64 {
	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.EventID
	}
	return ids
}

func kafkaRecord(msg Message, schemaID int, at time.Time) kafka.Message {
	return kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: encodeWireFormat(schemaID, msg.Payload),
		Time:  at,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(msg.EventType)},
			{Key: HeaderUserID, Value: []byte(msg.UserID)},
			{Key: HeaderSchemaSubject, Value: []byte(msg.SchemaSubject)},
		},
	}
}

// encodeWireFormat prefixes payload with the Confluent magic byte and schema ID.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}

var schemaCatalog = map[string]string{
	platformevents.TypeAttendanceTransitioned: attendanceTransitionedSchema,
	platformevents.TypeAttendanceDayClosed:    attendanceDayClosedSchema,
}
