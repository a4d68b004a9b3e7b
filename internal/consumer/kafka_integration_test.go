//go:build integration

package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/outbox"
	"example.com/attendance/internal/persistence/postgres"
	platformevents "example.com/attendance/pkg/platform/events"
)

// A full working day travels from the engine through the outbox and Kafka
// into the audit log and the day summary table.
func TestWorkdayFlowsFromOutboxToSummary(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	pool := startPostgres(t, ctx)

	kafkaC, err := kafkacontainer.Run(ctx, "confluentinc/confluent-local:7.5.0",
		testcontainers.WithEnv(map[string]string{"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true"}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	topics := []string{"attendance_events", "attendance_day_closed"}
	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	for _, topic := range topics {
		require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
	}
	conn.Close()

	clock := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	service := domain.NewService(postgres.NewRepository(pool, time.UTC),
		domain.WithClock(domain.ClockFunc(func() time.Time { return clock })))

	const userID = "emp-e2e"
	_, err = service.Start(ctx, userID)
	require.NoError(t, err)
	clock = clock.Add(3 * time.Hour)
	_, err = service.Pause(ctx, userID)
	require.NoError(t, err)
	clock = clock.Add(30 * time.Minute)
	_, err = service.Resume(ctx, userID)
	require.NoError(t, err)
	clock = clock.Add(4 * time.Hour)
	closed, err := service.Finish(ctx, userID, "shipped the export")
	require.NoError(t, err)

	producer := outbox.NewKafkaProducer(brokers)
	t.Cleanup(func() { _ = producer.Close() })
	dispatcher := outbox.NewDispatcher(pool, producer, fixedRegistry(7), 50*time.Millisecond, 10)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go dispatcher.Start(runCtx)

	audit := NewAuditHandler(pool)
	router := NewRouter(audit).On(platformevents.TypeAttendanceDayClosed, audit, NewDaySummaryHandler(pool))
	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     "attendance-e2e",
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		})
		t.Cleanup(func() { _ = reader.Close() })
		proc := NewProcessor(reader, router, WithRetry(5, 200*time.Millisecond))
		go func() { _ = proc.Run(runCtx) }()
	}

	// clock_in, away, resume, clock_out plus one day_closed.
	require.Eventually(t, func() bool {
		var n int
		err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM attendance_event_log WHERE user_id = $1`, userID).Scan(&n)
		return err == nil && n == 5
	}, time.Minute, 500*time.Millisecond)

	var (
		active, breakSeconds int64
		breaks               int
		report               string
	)
	require.Eventually(t, func() bool {
		err := pool.QueryRow(ctx,
			`SELECT active_seconds, total_break_seconds, breaks_count, daily_report
             FROM attendance_day_summaries WHERE user_id = $1`, userID,
		).Scan(&active, &breakSeconds, &breaks, &report)
		return err == nil
	}, time.Minute, 500*time.Millisecond)

	require.Equal(t, closed.ActiveSeconds, active)
	require.Equal(t, int64(7*3600), active)
	require.Equal(t, int64(1800), breakSeconds)
	require.Equal(t, 1, breaks)
	require.Equal(t, "shipped the export", report)

	stop()
	dispatcher.Wait()
}

type fixedRegistry int

func (r fixedRegistry) EnsureSchema(context.Context, string, string) (int, error) {
	return int(r), nil
}
