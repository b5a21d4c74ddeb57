// Package registry adds and removes backend storage nodes.
//
// Every call opens its own session, performs one registry call and closes
// the session. Mutations report an Outcome value; reads return errors.
package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/config"
	"github.com/nicktill/tsgate/pkg/logging"
)

// Manager drives the backend's storage-engine registry
type Manager struct {
	connector backend.Connector
	timeout   time.Duration
	logger    *zap.Logger
}

// NewManager creates a registry manager. timeout bounds each backend call
// (0 = config.BackendCallTimeout).
func NewManager(connector backend.Connector, timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = config.BackendCallTimeout
	}
	return &Manager{
		connector: connector,
		timeout:   timeout,
		logger:    logging.OrNop(logger),
	}
}

// Registration describes a node to add
type Registration struct {
	Host        string
	Port        int
	Type        backend.EngineType
	ExtraParams map[string]string
}

// Register adds a storage node. Failures are logged and returned in the
// outcome, never as an error.
func (m *Manager) Register(ctx context.Context, reg Registration) backend.Outcome {
	err := backend.WithSession(ctx, m.connector, m.timeout, func(ctx context.Context, s backend.Session) error {
		return backend.Call(ctx, m.timeout, "add_storage_engine", func(ctx context.Context) error {
			return s.AddStorageEngine(ctx, reg.Host, reg.Port, reg.Type, reg.ExtraParams)
		})
	})

	out := backend.NewOutcome(err, "data source registered", "registration failed, check the data source configuration")
	m.log(out, "register", zap.String("host", reg.Host), zap.Int("port", reg.Port), zap.Stringer("type", reg.Type))
	return out
}

// Remove deletes the node identified by the tuple. A tuple unknown to the
// backend is a failure; the backend call is still made.
func (m *Manager) Remove(ctx context.Context, host string, port int, schemaPrefix, dataPrefix string) backend.Outcome {
	target := backend.RemovedStorageEngine{
		Host:         host,
		Port:         port,
		SchemaPrefix: schemaPrefix,
		DataPrefix:   dataPrefix,
	}
	err := backend.WithSession(ctx, m.connector, m.timeout, func(ctx context.Context, s backend.Session) error {
		return backend.Call(ctx, m.timeout, "remove_storage_engine", func(ctx context.Context) error {
			return s.RemoveStorageEngine(ctx, []backend.RemovedStorageEngine{target})
		})
	})

	out := backend.NewOutcome(err, "data source removed", "removal failed, the data source may be missing or in use")
	m.log(out, "remove", zap.String("host", host), zap.Int("port", port),
		zap.String("schema_prefix", schemaPrefix), zap.String("data_prefix", dataPrefix))
	return out
}

// List returns the registered nodes. Errors propagate to the caller.
func (m *Manager) List(ctx context.Context) ([]backend.StorageEngineDescriptor, error) {
	var engines []backend.StorageEngineDescriptor
	err := backend.WithSession(ctx, m.connector, m.timeout, func(ctx context.Context, s backend.Session) error {
		return backend.Call(ctx, m.timeout, "list_storage_engines", func(ctx context.Context) error {
			var err error
			engines, err = s.ListStorageEngines(ctx)
			return err
		})
	})
	if err != nil && !backend.CleanupOnly(err) {
		m.logger.Error("list storage engines failed", zap.Bool("retryable", backend.IsRetryable(err)), zap.Error(err))
		return nil, fmt.Errorf("failed to list storage engines: %w", err)
	}
	if err != nil {
		m.logger.Warn("list storage engines: cleanup failed", zap.Error(err))
	}
	return engines, nil
}

// Columns returns every series with its data type. Errors propagate.
func (m *Manager) Columns(ctx context.Context) ([]backend.Column, error) {
	var columns []backend.Column
	err := backend.WithSession(ctx, m.connector, m.timeout, func(ctx context.Context, s backend.Session) error {
		return backend.Call(ctx, m.timeout, "show_columns", func(ctx context.Context) error {
			var err error
			columns, err = s.ShowColumns(ctx)
			return err
		})
	})
	if err != nil && !backend.CleanupOnly(err) {
		m.logger.Error("show columns failed", zap.Bool("retryable", backend.IsRetryable(err)), zap.Error(err))
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	if err != nil {
		m.logger.Warn("show columns: cleanup failed", zap.Error(err))
	}
	return columns, nil
}

func (m *Manager) log(out backend.Outcome, op string, fields ...zap.Field) {
	switch {
	case !out.Success:
		m.logger.Error(op+" failed", append(fields,
			zap.Bool("retryable", backend.IsRetryable(out.Cause)),
			zap.Error(out.Cause))...)
	case out.Degraded:
		m.logger.Warn(op+" succeeded with cleanup errors", append(fields, zap.Error(out.Cause))...)
	default:
		m.logger.Info(op+" succeeded", fields...)
	}
}
