// Command backend runs a standalone backend node that gateways reach in
// remote mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tsgate/pkg/backend/badger"
	"github.com/nicktill/tsgate/pkg/backend/engine"
	"github.com/nicktill/tsgate/pkg/backend/memory"
	"github.com/nicktill/tsgate/pkg/backend/remote"
	"github.com/nicktill/tsgate/pkg/config"
	"github.com/nicktill/tsgate/pkg/logging"
	"github.com/nicktill/tsgate/pkg/server"
)

func main() {
	flags := config.NewNodeFlagSet("tsgate-backend")
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

	if err := run(cfg.Node, cfg.Backend.MaxMemoryMB, logger); err != nil {
		logger.Fatal("backend node exited with error", zap.Error(err))
	}
	logger.Info("backend node exited cleanly")
}

func run(cfg config.NodeConfig, maxMemoryMB int64, logger *zap.Logger) error {
	var (
		store    engine.Store
		badgerDB *badger.Store
	)
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		store = memory.New()
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := badger.New(badger.Config{Path: cfg.DataDir, MaxMemoryMB: maxMemoryMB})
		if err != nil {
			return err
		}
		logger.Info("BadgerDB storage initialized", zap.String("data_dir", cfg.DataDir))
		store, badgerDB = s, s
	}

	eng, err := engine.New(store, engine.Config{
		UploadDir: cfg.UploadDir,
		Fs:        afero.NewOsFs(),
		Logger:    logger.Named("engine"),
	})
	if err != nil {
		store.Close()
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("engine close failed", zap.Error(err))
		}
	}()

	node := remote.NewServer(eng, remote.ServerConfig{
		Username: cfg.Username,
		Password: cfg.Password,
		Logger:   logger.Named("node"),
	})
	defer node.Shutdown()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           node.Router(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		node.RunReaper(ctx, config.SessionReapEvery, config.SessionIdleTimeout)
		return nil
	})
	if badgerDB != nil {
		g.Go(func() error {
			server.RunBadgerGC(ctx, badgerDB, logger.Named("gc"))
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("backend node listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown warning", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
