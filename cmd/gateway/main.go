// The gateway daemon terminates mutual-TLS client connections, authenticates
// callers against the identity/revocation oracle, and durably enqueues
// accepted messages for the delivery workers.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alirezakavianifar/message-broker-sub002/internal/config"
	"github.com/alirezakavianifar/message-broker-sub002/internal/gateway"
	"github.com/alirezakavianifar/message-broker-sub002/internal/metrics"
	"github.com/alirezakavianifar/message-broker-sub002/internal/oracle"
	"github.com/alirezakavianifar/message-broker-sub002/internal/queue"
	"github.com/alirezakavianifar/message-broker-sub002/internal/store"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/logging"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/mtls"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger(logging.Config{ServiceName: "gateway"}).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.LogLevel,
		ServiceName: "gateway",
	})

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orc, err := oracle.New(oracle.Config{
		ClientsFile:     cfg.ClientsFile,
		RevocationFile:  cfg.RevocationFile,
		RefreshInterval: cfg.OracleRefresh,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	q, err := openQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	tlsMaterial := mtls.Config{
		CertPath:     cfg.TLSCertPath,
		KeyPath:      cfg.TLSKeyPath,
		CABundlePath: cfg.CABundlePath,
	}

	var registrar gateway.Registrar
	if cfg.StoreURL != "" {
		clientTLS, err := tlsMaterial.ClientConfig()
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
		registrar = storeClient
	} else {
		logger.Warn("STORE_URL not set, canonical record registration disabled")
	}

	m := metrics.New()
	limiter := gateway.NewRateLimiter(cfg.RateLimitEvents, cfg.RateLimitWindow, logger)
	defer limiter.Stop()

	handler := gateway.NewHandler(gateway.HandlerOptions{
		Queue:     q,
		Oracle:    orc,
		Limiter:   limiter,
		Registrar: registrar,
		Metrics:   m,
		Logger:    logger,
		Domain:    cfg.DefaultDomain,
	})

	server, err := gateway.NewServer(gateway.ServerOptions{
		ListenAddr:    cfg.ListenAddr,
		TLS:           tlsMaterial,
		Handler:       handler,
		Queue:         q,
		Oracle:        orc,
		Metrics:       m,
		Logger:        logger,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		SnapshotStale: 3 * cfg.OracleRefresh,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orc.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	return g.Wait()
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
