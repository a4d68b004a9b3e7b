package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/attendance/internal/api"
	"example.com/attendance/internal/auth"
	"example.com/attendance/internal/config"
	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/outbox"
	"example.com/attendance/internal/persistence/memory"
	"example.com/attendance/internal/persistence/postgres"
	"example.com/attendance/internal/persistence/sqlite"
	httptransport "example.com/attendance/internal/transport/http"
)

// backend bundles the selected record store with whatever must be stopped on shutdown.
type backend struct {
	store domain.Store
	close func()
}

func main() {
	cfg := config.Load()
	loc := cfg.Location()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := openBackend(ctx, cfg, loc)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.StoreDriver, err)
	}
	defer be.close()

	service := domain.NewService(be.store,
		domain.WithCalendar(domain.NewCalendar(loc)),
		domain.WithLogger(log.New(log.Writer(), "[attendance] ", log.LstdFlags|log.Lmsgprefix)),
	)

	handler := api.NewHandler(service)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	requestLogger := httptransport.RequestLogger(log.New(log.Writer(), "[http] ", log.LstdFlags|log.Lmsgprefix))
	cors := httptransport.CORS(cfg.CORSOrigin)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, requestLogger(cors(authMiddleware.Wrap(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("attendance-service listening on %s (store=%s, tz=%s)", cfg.HTTPAddress, cfg.StoreDriver, loc)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openBackend(ctx context.Context, cfg config.Config, loc *time.Location) (backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return openPostgres(ctx, cfg, loc)
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		writer := sqlite.NewWorker(db)
		return backend{
			store: sqlite.NewStore(db, writer, loc),
			close: func() {
				writer.Close()
				_ = db.Close()
			},
		}, nil
	case config.DriverMemory:
		log.Printf("using in-memory store; records are lost on restart")
		return backend{store: memory.NewStore(), close: func() {}}, nil
	default:
		return backend{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// openPostgres migrates the schema and starts the outbox dispatcher. The
// returned close func waits for the dispatcher once ctx is cancelled.
func openPostgres(ctx context.Context, cfg config.Config, loc *time.Location) (backend, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return backend{}, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return backend{}, fmt.Errorf("migrate: %w", err)
	}

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Start(ctx)

	return backend{
		store: postgres.NewRepository(pool, loc),
		close: func() {
			dispatcher.Wait()
			if err := producer.Close(); err != nil {
				log.Printf("kafka producer close: %v", err)
			}
			pool.Close()
		},
	}, nil
}
