package server

import (
	"context"
	"errors"
	"time"

	bdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/backend/badger"
	"github.com/nicktill/tsgate/pkg/config"
	"github.com/nicktill/tsgate/pkg/server/monitor"
)

// RunHealthCheck checks the backend on startup and then every interval until
// ctx is done. Repeated failures are logged with backoff to prevent log spam
// during outages.
func RunHealthCheck(ctx context.Context, connector backend.Connector, bm *monitor.BackendMonitor, interval, timeout time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastLogged time.Time
	const maxBackoff = 5 * time.Minute

	check := func() {
		err := bm.Check(ctx, connector, timeout)
		status := bm.Status()
		if err == nil {
			if !lastLogged.IsZero() {
				logger.Info("backend reachable again")
				lastLogged = time.Time{}
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		// Exponential backoff on logging: 1s, 2s, 4s ... (max 5m)
		backoff := time.Duration(1<<uint(min(status.ConsecutiveErrors-1, 8))) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if lastLogged.IsZero() || time.Since(lastLogged) >= backoff {
			logger.Warn("backend health check failed",
				zap.Int("consecutive_errors", status.ConsecutiveErrors),
				zap.Error(err))
			lastLogged = time.Now()
		}
		if status.ConsecutiveErrors > monitor.MaxConsecutiveFailures {
			logger.Error("backend has been unreachable", zap.Int("consecutive_errors", status.ConsecutiveErrors))
		}
	}

	check()
	for {
		select {
		case <-ticker.C:
			check()
		case <-ctx.Done():
			logger.Debug("stopping backend health check")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB value log garbage collection periodically to
// reclaim disk space. The LSM tree accumulates overwritten points in the
// value log, so GC prevents unbounded disk growth.
func RunBadgerGC(ctx context.Context, store *badger.Store, logger *zap.Logger) {
	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	logger.Info("BadgerDB GC scheduler started", zap.Duration("interval", config.BadgerGCInterval))

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// Reclaim space if 50% of a file is garbage; one pass per tick
			err := store.RunGC(0.5)
			switch {
			case err == nil:
				logger.Info("BadgerDB GC reclaimed disk space", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
			case errors.Is(err, bdb.ErrNoRewrite):
				logger.Debug("BadgerDB GC: no rewrite needed")
			default:
				logger.Warn("BadgerDB GC failed", zap.Error(err))
			}
		case <-ctx.Done():
			logger.Debug("stopping BadgerDB GC scheduler")
			return
		}
	}
}
