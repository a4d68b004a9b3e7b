// Package consumer reads attendance events from Kafka and hands them to a Handler.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Reader is the subset of *kafka.Reader the processor needs.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages.
type Handler interface {
	Handle(context.Context, Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(context.Context, Message) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Message is a Kafka record produced by the outbox dispatcher, with the wire
// framing removed.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	UserID        string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger overrides the processor logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithRetry sets how many times a failing handler is tried per message and the
// pause between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		p.retryDelay = delay
	}
}

// Processor fetches, decodes, handles and commits messages one at a time so
// per-partition order is kept.
type Processor struct {
	reader     Reader
	handler    Handler
	logger     *log.Logger
	attempts   int
	retryDelay time.Duration
}

// NewProcessor constructs a Processor. Handlers get three attempts per message by default.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:     reader,
		handler:    handler,
		logger:     log.New(log.Writer(), "[consumer] ", log.LstdFlags|log.Lmsgprefix),
		attempts:   3,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes messages until ctx is cancelled.
//
// Malformed records are committed so they cannot block the partition. A message
// whose handler keeps failing is left uncommitted; the consumer group resumes
// from it after a restart or rebalance.
func (p *Processor) Run(ctx context.Context) error {
	for {
		raw, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			p.logger.Printf("fetch: %v", err)
			if !p.sleep(ctx) {
				return context.Canceled
			}
			continue
		}

		msg, err := decode(raw)
		if err != nil {
			p.logger.Printf("decode %s[%d]@%d: %v", raw.Topic, raw.Partition, raw.Offset, err)
			recordOutcome(raw.Topic, "", outcomeMalformed)
			p.commit(ctx, raw)
			continue
		}

		if err := p.handle(ctx, msg); err != nil {
			p.logger.Printf("handle %s (user=%s, offset=%d): %v", msg.EventType, msg.UserID, msg.Offset, err)
			recordOutcome(msg.Topic, msg.EventType, outcomeFailed)
			continue
		}

		if p.commit(ctx, raw) {
			recordOutcome(msg.Topic, msg.EventType, outcomeProcessed)
			recordWatermark(msg)
		}
	}
}

func (p *Processor) handle(ctx context.Context, msg Message) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		start := time.Now()
		err = p.handler.Handle(ctx, msg)
		observeHandler(msg.EventType, start)
		if err == nil || attempt == p.attempts || !p.sleep(ctx) {
			break
		}
	}
	return err
}

func (p *Processor) commit(ctx context.Context, raw kafka.Message) bool {
	if err := p.reader.CommitMessages(ctx, raw); err != nil {
		p.logger.Printf("commit %s[%d]@%d: %v", raw.Topic, raw.Partition, raw.Offset, err)
		return false
	}
	return true
}

// sleep waits retryDelay and reports false if ctx ended first.
func (p *Processor) sleep(ctx context.Context) bool {
	if p.retryDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(p.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func decode(raw kafka.Message) (Message, error) {
	if len(raw.Value) < 5 {
		return Message{}, fmt.Errorf("frame too short: %d bytes", len(raw.Value))
	}
	if raw.Value[0] != 0 {
		return Message{}, fmt.Errorf("unknown magic byte %d", raw.Value[0])
	}

	headers := make(map[string]string, len(raw.Headers))
	for _, h := range raw.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_type"] == "" {
		return Message{}, errors.New("missing event_type header")
	}

	payload := json.RawMessage(append([]byte(nil), raw.Value[5:]...))
	if !json.Valid(payload) {
		return Message{}, errors.New("payload is not valid JSON")
	}

	return Message{
		Topic:         raw.Topic,
		Partition:     raw.Partition,
		Offset:        raw.Offset,
		Timestamp:     raw.Time,
		EventType:     headers["event_type"],
		UserID:        headers["user_id"],
		SchemaSubject: headers["schema_subject"],
		SchemaID:      int(binary.BigEndian.Uint32(raw.Value[1:5])),
		Payload:       payload,
	}, nil
}
