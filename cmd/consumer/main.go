// Command consumer reads attendance events from Kafka into the audit log and
// the closed-day summary table.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"example.com/attendance/internal/config"
	"example.com/attendance/internal/consumer"
	"example.com/attendance/internal/observability"
	"example.com/attendance/internal/persistence/postgres"
	platformevents "example.com/attendance/pkg/platform/events"
)

func main() {
	cfg := config.Load()
	logger := log.New(log.Writer(), "[consumer] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	audit := consumer.NewAuditHandler(pool)
	router := consumer.NewRouter(audit).
		On(platformevents.TypeAttendanceDayClosed, audit, consumer.NewDaySummaryHandler(pool))

	metrics := observability.NewMetricsServer(cfg.MetricsAddress, logger)
	metrics.Start()
	defer metrics.Shutdown()

	var wg sync.WaitGroup
	for _, topic := range cfg.ConsumerTopics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			consume(ctx, cfg, topic, router)
		}(topic)
	}

	<-ctx.Done()
	logger.Println("shutdown requested, draining readers")
	wg.Wait()
}

// consume runs one processor per topic so a stuck topic does not hold up the others.
func consume(ctx context.Context, cfg config.Config, topic string, handler consumer.Handler) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        cfg.ConsumerGroupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
	defer reader.Close()

	logger := log.New(log.Writer(), "[consumer "+topic+"] ", log.LstdFlags|log.Lmsgprefix)
	proc := consumer.NewProcessor(reader, handler,
		consumer.WithLogger(logger),
		consumer.WithRetry(cfg.ConsumerRetries, cfg.ConsumerRetryDelay),
	)

	logger.Printf("joined group %s", cfg.ConsumerGroupID)
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("stopped: %v", err)
	}
}
