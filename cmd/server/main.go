package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tsgate/pkg/config"
	"github.com/nicktill/tsgate/pkg/logging"
	"github.com/nicktill/tsgate/pkg/server"
	"github.com/nicktill/tsgate/pkg/server/monitor"
)

func main() {
	flags := config.NewFlagSet("tsgate")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway exited with error", zap.Error(err))
	}
	logger.Info("gateway exited cleanly")
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting tsgate",
		zap.String("port", cfg.Server.Port),
		zap.String("backend", cfg.Backend.Mode))

	b, err := server.InitializeBackend(cfg, logger.Named("backend"))
	if err != nil {
		return fmt.Errorf("failed to initialize backend: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("backend close failed", zap.Error(err))
		}
	}()

	dataHandler, registryHandler := server.InitializeHandlers(cfg, b, logger)

	backendMonitor := &monitor.BackendMonitor{}
	var storageMonitor *monitor.StorageMonitor
	if b.DataDir != "" {
		storageMonitor = monitor.NewStorageMonitor(afero.NewOsFs(), b.DataDir)
	}

	router := mux.NewRouter()
	server.SetupRoutes(router, dataHandler, registryHandler, backendMonitor, storageMonitor, cfg.Server.Port)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		server.RunHealthCheck(ctx, b.Connector, backendMonitor, config.HealthCheckEvery, cfg.Backend.CallTimeout, logger.Named("healthcheck"))
		return nil
	})
	if b.Badger != nil {
		g.Go(func() error {
			server.RunBadgerGC(ctx, b.Badger, logger.Named("gc"))
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", "http://localhost:"+cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown warning", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
