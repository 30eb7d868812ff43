// The delivery-worker daemon leases envelopes from the durable queue and
// delivers them to the record store over mutual TLS, retrying on a fixed
// interval up to the attempt bound. A small plaintext ops listener exposes
// its metrics and health locally.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alirezakavianifar/message-broker-sub002/internal/config"
	"github.com/alirezakavianifar/message-broker-sub002/internal/metrics"
	"github.com/alirezakavianifar/message-broker-sub002/internal/queue"
	"github.com/alirezakavianifar/message-broker-sub002/internal/store"
	"github.com/alirezakavianifar/message-broker-sub002/internal/worker"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/logging"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/mtls"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger(logging.Config{ServiceName: "delivery-worker"}).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.LogLevel,
		ServiceName: "delivery-worker",
	})

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("delivery-worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := openQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	clientTLS, err := mtls.Config{
		CertPath:     cfg.TLSCertPath,
		KeyPath:      cfg.TLSKeyPath,
		CABundlePath: cfg.CABundlePath,
	}.ClientConfig()
	if err != nil {
		return err
	}
	storeClient, err := store.NewClient(cfg.StoreURL, store.Options{
		TLSConfig: clientTLS,
		Timeout:   cfg.DeliveryTimeout,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	pool := worker.NewPool(worker.Config{
		WorkerCount:     cfg.WorkerCount,
		RetryInterval:   cfg.RetryInterval,
		MaxAttempts:     cfg.MaxAttempts,
		DeliveryTimeout: cfg.DeliveryTimeout,
		DrainTimeout:    cfg.DrainTimeout,
	}, worker.Options{
		Queue:   q,
		Store:   storeClient,
		Metrics: m,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return runOpsServer(gctx, cfg, q, m, logger) })
	return g.Wait()
}

// runOpsServer serves /metrics and /health on the local ops address until
// ctx is cancelled.
func runOpsServer(ctx context.Context, cfg config.Config, q queue.DurableQueue, m *metrics.Metrics, logger *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		depth, err := q.Depth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "queue": err.Error()})
			return
		}
		m.QueueDepth.Set(float64(depth))
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "queue_depth": depth})
	})

	server := &http.Server{
		Addr:         cfg.WorkerMetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops listener started", "addr", cfg.WorkerMetricsAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func openQueue(ctx context.Context, cfg config.Config, logger *logging.Logger) (queue.DurableQueue, error) {
	switch cfg.QueueBackend {
	case config.BackendRedis:
		return queue.NewRedisQueue(ctx, cfg.RedisAddr, queue.RedisQueueOptions{
			Visibility: cfg.LeaseVisibility,
			Logger:     logger,
		})
	default:
		return queue.NewFileQueue(cfg.QueueDir, queue.FileQueueOptions{
			Visibility: cfg.LeaseVisibility,
			Logger:     logger,
		})
	}
}
