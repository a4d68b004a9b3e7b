package outbox

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	platformevents "example.com/attendance/pkg/platform/events"
)

func TestEncodeWireFormat(t *testing.T) {
	frame := encodeWireFormat(258, []byte(`{"a":1}`))

	require.Equal(t, byte(0), frame[0])
	require.Equal(t, uint32(258), binary.BigEndian.Uint32(frame[1:5]))
	require.Equal(t, `{"a":1}`, string(frame[5:]))
}

func TestDeliverGroupsByTopicAndSetsHeaders(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	at := time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC)
	dispatcher := &Dispatcher{producer: producer, registry: registry, now: func() time.Time { return at }}

	messages := []Message{
		testMessage(1, platformevents.TypeAttendanceTransitioned, "attendance_events", "u-1"),
		testMessage(2, platformevents.TypeAttendanceDayClosed, "attendance_day_closed", "rec-1"),
		testMessage(3, platformevents.TypeAttendanceTransitioned, "attendance_events", "u-1"),
	}

	require.Empty(t, dispatcher.deliver(context.Background(), messages))

	require.Len(t, producer.writes, 2)
	require.Equal(t, "attendance_events", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 2)
	require.Equal(t, "attendance_day_closed", producer.writes[1].topic)

	record := producer.writes[0].messages[0]
	require.Equal(t, []byte("u-1"), record.Key)
	require.Equal(t, at, record.Time)
	require.Equal(t, uint32(42), binary.BigEndian.Uint32(record.Value[1:5]))
	require.Equal(t, map[string]string{
		HeaderEventType:     platformevents.TypeAttendanceTransitioned,
		HeaderUserID:        "u-1",
		HeaderSchemaSubject: "attendance_events-value",
	}, headerMap(record.Headers))

	require.Len(t, registry.calls, 2, "one registration per subject and schema")
}

func TestDeliverFailsOnlyUnknownEventTypes(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 1}
	dispatcher := &Dispatcher{producer: producer, registry: registry, now: time.Now}

	failures := dispatcher.deliver(context.Background(), []Message{
		testMessage(1, "attendance.unknown", "attendance_events", "u-1"),
		testMessage(2, platformevents.TypeAttendanceTransitioned, "attendance_events", "u-1"),
	})

	require.Len(t, failures, 1)
	require.Equal(t, int64(1), failures[0].msg.EventID)
	require.Contains(t, failures[0].reason, "no schema metadata for event_type=attendance.unknown")
	require.Len(t, producer.writes, 1)
	require.Len(t, producer.writes[0].messages, 1)
}

func TestDeliverFailsWholeTopicOnWriteError(t *testing.T) {
	producer := &stubProducer{failTopic: "attendance_day_closed", err: errors.New("leader not available")}
	dispatcher := &Dispatcher{producer: producer, registry: &stubRegistry{id: 3}, now: time.Now}

	failures := dispatcher.deliver(context.Background(), []Message{
		testMessage(1, platformevents.TypeAttendanceTransitioned, "attendance_events", "u-1"),
		testMessage(2, platformevents.TypeAttendanceDayClosed, "attendance_day_closed", "rec-1"),
		testMessage(3, platformevents.TypeAttendanceDayClosed, "attendance_day_closed", "rec-2"),
	})

	require.Len(t, failures, 2)
	for _, f := range failures {
		require.Equal(t, "attendance_day_closed", f.msg.Topic)
		require.Contains(t, f.reason, "leader not available")
	}
	require.Len(t, producer.writes, 1)
	require.Equal(t, "attendance_events", producer.writes[0].topic)
}

func TestDeliverFailsOnRegistryError(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{err: errors.New("registry down")}
	dispatcher := &Dispatcher{producer: producer, registry: registry, now: time.Now}

	failures := dispatcher.deliver(context.Background(), []Message{testMessage(1, platformevents.TypeAttendanceTransitioned, "attendance_events", "u-1")})
	require.Len(t, failures, 1)
	require.Contains(t, failures[0].reason, "registry down")
	require.Empty(t, producer.writes)
}

func TestReplayableRequiresSubjectAndKnownType(t *testing.T) {
	ok := dlqEntry{ID: 1, EventType: platformevents.TypeAttendanceDayClosed, SchemaSubject: "attendance_day_closed-value"}
	require.Empty(t, ok.replayable())

	noSubject := ok
	noSubject.SchemaSubject = ""
	require.Contains(t, noSubject.replayable(), "missing schema_subject")

	unknown := ok
	unknown.EventType = "attendance.unknown"
	require.Contains(t, unknown.replayable(), "no schema metadata")
}

func TestBackoffDelayIsExponentialAndCapped(t *testing.T) {
	m := NewDLQManager(nil, 0, 0)
	require.Equal(t, 5, m.maxRetries)
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, time.Hour, m.backoffDelay(7))
	require.Equal(t, time.Hour, m.backoffDelay(64))
}

func testMessage(id int64, eventType, topic, key string) Message {
	return Message{
		EventID:       id,
		UserID:        "u-1",
		AggregateType: "attendance_record",
		AggregateID:   "rec-1",
		EventType:     eventType,
		Topic:         topic,
		SchemaSubject: topic + "-value",
		PartitionKey:  key,
		Payload:       []byte(`{"record_id":"rec-1"}`),
	}
}

func headerMap(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

type stubProducer struct {
	mu        sync.Mutex
	err       error
	failTopic string
	writes    []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil && (s.failTopic == "" || s.failTopic == topic) {
		return s.err
	}

	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)

	s.writes = append(s.writes, writtenBatch{
		topic:    topic,
		messages: copied,
	})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []schemaCall
}

type schemaCall struct {
	subject string
	schema  string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, schemaCall{subject: subject, schema: schema})
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}
