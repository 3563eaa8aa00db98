package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Lifecycle metrics
	SessionOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklet_session_operations_total",
			Help: "Total lifecycle operations processed",
		},
		[]string{"operation", "result"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracklet_active_sessions",
			Help: "Number of currently active sessions (0 or 1)",
		},
	)

	// Sync metrics
	SyncCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklet_sync_cycles_total",
			Help: "Total sync cycles run",
		},
		[]string{"trigger", "result"},
	)

	SyncPushedSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklet_sync_pushed_sessions_total",
			Help: "Sessions pushed to the remote store",
		},
		[]string{"result"},
	)

	SyncPulledSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracklet_sync_pulled_sessions_total",
			Help: "Remote sessions merged during pull",
		},
	)

	SyncConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracklet_sync_conflicts_total",
			Help: "Merges flagged as conflicted",
		},
	)

	SyncBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracklet_sync_batch_duration_seconds",
			Help:    "Remote batch write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracklet_sync_retries_total",
			Help: "Remote operations retried after failure",
		},
	)

	// Storage metrics
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracklet_store_errors_total",
			Help: "Local store read/write failures",
		},
		[]string{"op"},
	)

	TombstonesPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracklet_tombstones_purged_total",
			Help: "Deleted sessions purged after remote propagation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionOperations,
		ActiveSessions,
		SyncCycles,
		SyncPushedSessions,
		SyncPulledSessions,
		SyncConflicts,
		SyncBatchDuration,
		SyncRetries,
		StoreErrors,
		TombstonesPurged,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
