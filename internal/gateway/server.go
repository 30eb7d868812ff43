package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alirezakavianifar/message-broker-sub002/internal/metrics"
	"github.com/alirezakavianifar/message-broker-sub002/internal/oracle"
	"github.com/alirezakavianifar/message-broker-sub002/internal/queue"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/logging"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/mtls"
)

// Server is the mTLS HTTPS front of the system: submission, health and
// metrics endpoints behind one listener.
type Server struct {
	httpServer *http.Server
	handler    *Handler
	queue      queue.DurableQueue
	oracle     *oracle.Oracle
	metrics    *metrics.Metrics
	logger     *logging.Logger

	maxBodyBytes  int64
	snapshotStale time.Duration
}

// ServerOptions configures a Server.
type ServerOptions struct {
	ListenAddr   string
	TLS          mtls.Config
	Handler      *Handler
	Queue        queue.DurableQueue
	Oracle       *oracle.Oracle
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
	MaxBodyBytes int64

	// SnapshotStale marks the oracle check degraded when the snapshot is
	// older than this; zero disables the check.
	SnapshotStale time.Duration
}

// NewServer builds the router, middleware chain, and TLS listener config.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.Config{})
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 * 1024
	}

	s := &Server{
		handler:       opts.Handler,
		queue:         opts.Queue,
		oracle:        opts.Oracle,
		metrics:       opts.Metrics,
		logger:        opts.Logger.WithComponent("gateway_server"),
		maxBodyBytes:  opts.MaxBodyBytes,
		snapshotStale: opts.SnapshotStale,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/messages", opts.Handler.HandleSubmit).Methods(http.MethodPost)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(opts.Metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	tlsConfig, err := opts.TLS.ServerConfig()
	if err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           s.requestMiddleware(router),
		TLSConfig:         tlsConfig,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    16 * 1024,
	}
	return s, nil
}

// HTTPHandler exposes the full middleware-wrapped handler chain, for tests
// that run the server behind their own listener.
func (s *Server) HTTPHandler() http.Handler {
	return s.httpServer.Handler
}

// requestMiddleware caps request bodies, tags each request with an id, and
// logs completion.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

		next.ServeHTTP(w, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, 2)
	healthy := true

	if _, err := s.queue.Depth(r.Context()); err != nil {
		checks["queue"] = "unavailable: " + err.Error()
		healthy = false
	} else {
		checks["queue"] = "ok"
	}

	age := s.oracle.SnapshotAge()
	checks["oracle_snapshot_age"] = age.Truncate(time.Millisecond).String()
	if s.snapshotStale > 0 && age > s.snapshotStale {
		healthy = false
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: status, Checks: checks})
}

// Run serves TLS until ctx is cancelled, keeping the queue-depth and
// snapshot-age gauges current, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	gaugeCtx, stopGauges := context.WithCancel(ctx)
	defer stopGauges()
	go s.refreshGauges(gaugeCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
		// Certificate material comes from TLSConfig.
		errCh <- s.httpServer.ListenAndServeTLS("", "")
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := s.queue.Depth(ctx); err == nil {
				s.metrics.QueueDepth.Set(float64(depth))
			}
			s.metrics.SnapshotAge.Set(s.oracle.SnapshotAge().Seconds())
		}
	}
}
