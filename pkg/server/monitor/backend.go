package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/tsgate/pkg/backend"
)

// Health thresholds for the backend health check
const (
	MaxConsecutiveFailures = 3
	StaleAfter             = 5 * time.Minute
)

// BackendMonitor tracks whether the backend accepts sessions.
type BackendMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	lastLatency       time.Duration
}

// RecordSuccess records a successful health check.
func (bm *BackendMonitor) RecordSuccess(latency time.Duration) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.lastSuccess = time.Now()
	bm.lastAttempt = bm.lastSuccess
	bm.lastLatency = latency
	bm.consecutiveErrors = 0
	bm.lastError = ""
}

// RecordFailure records a failed health check.
func (bm *BackendMonitor) RecordFailure(err error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.lastAttempt = time.Now()
	bm.consecutiveErrors++
	if err != nil {
		bm.lastError = err.Error()
	}
}

// Check opens and closes one session against c and records the result.
func (bm *BackendMonitor) Check(ctx context.Context, c backend.Connector, timeout time.Duration) error {
	start := time.Now()
	err := backend.WithSession(ctx, c, timeout, func(context.Context, backend.Session) error {
		return nil
	})
	if err != nil && !backend.CleanupOnly(err) {
		bm.RecordFailure(err)
		return err
	}
	bm.RecordSuccess(time.Since(start))
	return nil
}

// IsHealthy returns true if the backend is reachable.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within StaleAfter
//   - MaxConsecutiveFailures or more failures in a row
func (bm *BackendMonitor) IsHealthy() bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.healthy()
}

func (bm *BackendMonitor) healthy() bool {
	if bm.lastSuccess.IsZero() {
		return false
	}
	if time.Since(bm.lastSuccess) > StaleAfter {
		return false
	}
	return bm.consecutiveErrors < MaxConsecutiveFailures
}

// BackendStatus is the backend section of the health response.
type BackendStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	Latency           string `json:"latency,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current backend status for health checks.
func (bm *BackendMonitor) Status() BackendStatus {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	status := BackendStatus{
		Healthy: bm.healthy(),
	}

	if !bm.lastSuccess.IsZero() {
		status.LastSuccess = bm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(bm.lastSuccess).String()
		status.Latency = bm.lastLatency.String()
	}

	if !bm.lastAttempt.IsZero() {
		status.LastAttempt = bm.lastAttempt.Format(time.RFC3339)
	}

	if bm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = bm.consecutiveErrors
		status.LastError = bm.lastError
	}

	return status
}
