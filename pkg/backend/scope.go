package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tsgate/pkg/metrics"
)

// Call runs one backend call under timeout and records it.
// A timeout is reported as ErrBackendUnavailable and is never retried here.
func Call(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	// Check context before starting the call
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	metrics.ObserveBackendCall(op, err, time.Since(start))

	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrBackendUnavailable) {
		return fmt.Errorf("%s timed out: %w: %w", op, ErrBackendUnavailable, err)
	}
	return err
}

// Open opens a session under timeout. Failures are ErrBackendUnavailable.
func Open(ctx context.Context, c Connector, timeout time.Duration) (Session, error) {
	var session Session
	err := Call(ctx, timeout, "open", func(ctx context.Context) error {
		s, err := c.Open(ctx)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open session: %w: %w", ErrBackendUnavailable, err)
	}
	return session, nil
}

// WithSession opens a session, runs fn, and closes the session on every exit
// path. A close failure is returned as a *CleanupError joined with fn's error.
func WithSession(ctx context.Context, c Connector, timeout time.Duration, fn func(ctx context.Context, s Session) error) (err error) {
	session, err := Open(ctx, c, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			err = errors.Join(err, &CleanupError{Op: "close session", Err: closeErr})
		}
	}()

	return fn(ctx, session)
}
