// Package metrics exposes Prometheus instruments for the memory engine.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "memoria"

var (
	// TurnsTotal counts ingested turns by detected sentiment.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total conversation turns ingested",
		},
		[]string{"sentiment"},
	)

	MemoriesPromoted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_promoted_total",
			Help:      "Turns promoted to long-term memory records",
		},
	)

	MemoriesMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_merged_total",
			Help:      "Records removed by deduplication or consolidation",
		},
	)

	MemoriesPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_pruned_total",
			Help:      "Records removed by retention pruning",
		},
	)

	InsightsGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insights_generated_total",
			Help:      "Insights produced by the aggregator",
		},
	)

	// PersistenceErrors counts storage failures by operation.
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Storage operations that failed",
		},
		[]string{"op"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time spent ingesting one turn",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	MaintenanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_duration_seconds",
			Help:      "Time spent in one maintenance pass over all users",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	addr   string
	logger *zap.Logger
	srv    *http.Server
}

func NewServer(addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		addr:   addr,
		logger: logger.Named("metrics"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run listens on the configured address and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
