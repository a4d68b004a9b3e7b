// Command dlqmanager replays dead-lettered attendance events into the outbox.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/attendance/internal/config"
	"example.com/attendance/internal/observability"
	"example.com/attendance/internal/outbox"
)

const sweepSize = 50

func main() {
	cfg := config.Load()
	logger := log.New(log.Writer(), "[dlq] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	metrics := observability.NewMetricsServer(cfg.MetricsAddress, logger)
	metrics.Start()
	defer metrics.Shutdown()

	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay)
	logger.Printf("sweeping every %s, quarantine after %d retries", cfg.DLQPollInterval, cfg.DLQMaxRetries)
	sweep(ctx, logger, manager, cfg.DLQPollInterval)
	logger.Println("shutdown requested")
}

func sweep(ctx context.Context, logger *log.Logger, manager *outbox.DLQManager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		settled, err := manager.RunOnce(ctx, sweepSize)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Printf("sweep: %v", err)
		case settled > 0:
			logger.Printf("settled %d entries", settled)
		}
	}
}
