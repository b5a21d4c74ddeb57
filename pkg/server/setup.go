package server

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/backend/badger"
	"github.com/nicktill/tsgate/pkg/backend/engine"
	"github.com/nicktill/tsgate/pkg/backend/memory"
	"github.com/nicktill/tsgate/pkg/backend/remote"
	"github.com/nicktill/tsgate/pkg/config"
	"github.com/nicktill/tsgate/pkg/data"
	"github.com/nicktill/tsgate/pkg/ingest"
	"github.com/nicktill/tsgate/pkg/logging"
	"github.com/nicktill/tsgate/pkg/registry"
)

// Backend is the gateway's connection to storage.
type Backend struct {
	Connector backend.Connector
	Mode      string

	// Badger is set in embedded mode so GC can run against it
	Badger *badger.Store
	// DataDir is set when data lives on local disk
	DataDir string

	closer func() error
}

// Close releases the backend. Remote backends hold nothing to release.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// InitializeBackend builds the connector selected by cfg.Backend.Mode.
func InitializeBackend(cfg config.Config, logger *zap.Logger) (*Backend, error) {
	logger = logging.OrNop(logger)
	switch cfg.Backend.Mode {
	case config.ModeRemote:
		client, err := remote.New(remote.Config{
			Endpoint: cfg.Backend.Endpoint,
			Username: cfg.Backend.Username,
			Password: cfg.Backend.Password,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using remote backend", zap.String("endpoint", cfg.Backend.Endpoint))
		return &Backend{Connector: client, Mode: cfg.Backend.Mode}, nil

	case config.ModeEmbedded:
		if err := os.MkdirAll(cfg.Backend.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		logger.Info("initializing BadgerDB storage", zap.String("data_dir", cfg.Backend.DataDir))
		store, err := badger.New(badger.Config{
			Path:        cfg.Backend.DataDir,
			MaxMemoryMB: cfg.Backend.MaxMemoryMB,
		})
		if err != nil {
			return nil, err
		}
		eng, err := engine.New(store, engine.Config{UploadDir: cfg.Node.UploadDir, Logger: logger})
		if err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("embedded backend ready")
		return &Backend{
			Connector: eng,
			Mode:      cfg.Backend.Mode,
			Badger:    store,
			DataDir:   cfg.Backend.DataDir,
			closer:    eng.Close,
		}, nil

	case config.ModeMemory:
		eng, err := engine.New(memory.New(), engine.Config{UploadDir: cfg.Node.UploadDir, Logger: logger})
		if err != nil {
			return nil, err
		}
		logger.Warn("using in-memory backend, data is lost on restart")
		return &Backend{Connector: eng, Mode: cfg.Backend.Mode, closer: eng.Close}, nil

	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}

// InitializeHandlers creates the /api request handlers.
func InitializeHandlers(cfg config.Config, b *Backend, logger *zap.Logger) (*data.Handler, *registry.Handler) {
	logger = logging.OrNop(logger)
	pipeline := ingest.NewPipeline(b.Connector, ingest.PipelineConfig{
		TempDir:     cfg.Import.TempDir,
		ChunkSize:   cfg.Import.ChunkSize,
		CallTimeout: cfg.Backend.CallTimeout,
		LoadTimeout: cfg.Backend.LoadTimeout,
		Logger:      logger.Named("import"),
	})

	dataHandler := data.NewHandler(b.Connector, pipeline, data.Config{
		TimeColumn:  cfg.Export.TimeColumn,
		CallTimeout: cfg.Backend.CallTimeout,
	}, logger.Named("data"))

	manager := registry.NewManager(b.Connector, cfg.Backend.CallTimeout, logger.Named("registry"))

	logger.Info("handlers created",
		zap.String("time_column", cfg.Export.TimeColumn),
		zap.Int("chunk_size", cfg.Import.ChunkSize))
	return dataHandler, registry.NewHandler(manager)
}
