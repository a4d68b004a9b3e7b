package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxBackoff = time.Hour

// DLQManager replays dead-lettered events into the outbox and quarantines
// entries that keep failing. Several managers may run against one database.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
}

// NewDLQManager constructs a DLQManager. Non-positive settings fall back to
// five retries and a one minute base delay.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay}
}

// RunOnce settles up to batchSize due entries and returns how many it settled.
// Each entry is claimed and settled in its own transaction.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	settled := 0
	var errs error
	for settled < batchSize {
		ok, err := m.settleNext(ctx)
		if err != nil {
			errs = errors.Join(errs, err)
			break
		}
		if !ok {
			break
		}
		settled++
	}

	if err := refreshBacklog(ctx, m.pool); err != nil {
		errs = errors.Join(errs, fmt.Errorf("refresh dlq backlog: %w", err))
	}
	return settled, errs
}

// settleNext claims the oldest due entry, if any, and requeues, reschedules or
// quarantines it.
func (m *DLQManager) settleNext(ctx context.Context) (bool, error) {
	var (
		entry   dlqEntry
		outcome string
	)
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT dlq_id, user_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
               FROM outbox_dlq
              WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
              ORDER BY created_at
              LIMIT 1
                FOR UPDATE SKIP LOCKED`)
		if err := row.Scan(&entry.ID, &entry.UserID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason,
			&entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount); err != nil {
			return err
		}

		var err error
		outcome, err = m.settle(ctx, tx, entry)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settle dlq entry %d: %w", entry.ID, err)
	}
	recordDLQ(entry, outcome)
	return true, nil
}

func (m *DLQManager) settle(ctx context.Context, tx pgx.Tx, entry dlqEntry) (string, error) {
	if entry.RetryCount >= m.maxRetries {
		_, err := tx.Exec(ctx,
			`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $2 WHERE dlq_id = $1`,
			entry.ID, fmt.Sprintf("retry limit reached after %d attempts", entry.RetryCount))
		return outcomeQuarantined, err
	}

	if reason := entry.replayable(); reason != "" {
		_, err := tx.Exec(ctx,
			`UPDATE outbox_dlq
                SET retry_count = retry_count + 1,
                    last_attempt_at = NOW(),
                    next_retry_at = NOW() + $2::interval,
                    reason = $3
              WHERE dlq_id = $1`,
			entry.ID, m.backoffDelay(entry.RetryCount+1), reason)
		return outcomeRetryScheduled, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.UserID, entry.AggregateType, entry.AggregateID, entry.EventType,
		entry.Topic, entry.SchemaSubject, entry.PartitionKey, entry.Payload,
	); err != nil {
		return "", err
	}
	_, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
	return outcomeRequeued, err
}

// backoffDelay doubles baseDelay per attempt, capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return min(delay, maxBackoff)
}

// dlqEntry is one outbox_dlq row.
type dlqEntry struct {
	ID            int64
	UserID        string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

// replayable returns why the entry cannot go back to the outbox, or "".
// The dedupe key is not carried over; the original outbox row still holds it.
func (e dlqEntry) replayable() string {
	switch {
	case e.SchemaSubject == "":
		return fmt.Sprintf("missing schema_subject for dlq entry %d", e.ID)
	case schemaCatalog[e.EventType] == "":
		return fmt.Sprintf("no schema metadata for event_type=%s", e.EventType)
	}
	return ""
}
