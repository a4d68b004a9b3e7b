package observability

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes /metrics and /healthz for the background workers,
// which have no API listener of their own.
type MetricsServer struct {
	srv    *http.Server
	logger *log.Logger
}

// NewMetricsServer builds a server for addr. It does not listen until Start.
func NewMetricsServer(addr string, logger *log.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &MetricsServer{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Handler returns the routes served by s.
func (s *MetricsServer) Handler() http.Handler { return s.srv.Handler }

// Start listens in the background. Listen errors are logged, not fatal.
func (s *MetricsServer) Start() {
	go func() {
		s.logger.Printf("metrics listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("metrics server: %v", err)
		}
	}()
}

// Shutdown stops the listener, waiting at most ten seconds for open scrapes.
func (s *MetricsServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Printf("metrics shutdown: %v", err)
	}
}
