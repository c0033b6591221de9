// Command chunkrpc-echo serves an Echo service over chunk-rpc.
//
//	chunkrpc-echo -config chunkrpc.toml
//
// Without -config it listens on the default tcp address with an in-memory
// registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chunk-rpc/config"
	"chunk-rpc/logging"
	"chunk-rpc/middleware"
	"chunk-rpc/registry"
	"chunk-rpc/server"

	"go.uber.org/zap"
)

func main() {
	path := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			fmt.Fprintf(os.Stderr, "chunkrpc-echo: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chunkrpc-echo: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("chunkrpc-echo: exit", zap.Error(err))
		os.Exit(1)
	}
}

// run serves until ctx is done, then shuts the server down.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	reg, err := newRegistry(cfg.Registry, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	svr := newServer(cfg, logger)
	if err := svr.Register(&Echo{}); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svr.Serve(cfg.Server.Network, cfg.Server.Address, cfg.Server.AdvertiseAddr, reg)
	}()
	logger.Info("chunkrpc-echo: serving",
		zap.String("network", cfg.Server.Network),
		zap.String("address", cfg.Server.Address),
		zap.String("registry", cfg.Registry.Kind))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("chunkrpc-echo: shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	if err := svr.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		return err
	}
	return <-errCh
}

func newServer(cfg config.Config, logger *zap.Logger) *server.Server {
	svr := server.NewServer(server.Config{
		Codec:               cfg.Server.Codec,
		Transfer:            cfg.Transfer,
		DisableProgressAcks: cfg.Server.DisableProgressAcks,
		RegisterTTL:         cfg.Registry.TTL,
		WSPath:              cfg.Server.WSPath,
		Logger:              logger,
	})

	var limit middleware.Middleware
	if cfg.RateLimit.Enabled {
		limit = middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	}
	// Logging is outermost so rejected requests are logged too.
	svr.Use(middleware.Chain(
		middleware.LoggingMiddleware(logger),
		limit,
		middleware.TimeOutMiddleware(cfg.Server.RequestTimeout),
	))
	return svr
}

func newRegistry(cfg config.RegistryConfig, logger *zap.Logger) (registry.Registry, error) {
	switch cfg.Kind {
	case config.RegistryEtcd:
		return registry.NewEtcdRegistry(registry.EtcdConfig{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
			Prefix:      cfg.Prefix,
			Logger:      logger,
		})
	case config.RegistryMemory, "":
		return registry.NewMemoryRegistry(), nil
	}
	return nil, fmt.Errorf("unsupported registry %q", cfg.Kind)
}
