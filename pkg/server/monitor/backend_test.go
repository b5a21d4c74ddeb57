package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nicktill/tsgate/pkg/backend"
	"github.com/nicktill/tsgate/pkg/backend/backendtest"
)

func TestBackendMonitor_RecordSuccess(t *testing.T) {
	bm := &BackendMonitor{}
	bm.RecordSuccess(3 * time.Millisecond)

	status := bm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
	if status.Latency != "3ms" {
		t.Errorf("Latency = %q, want 3ms", status.Latency)
	}
}

func TestBackendMonitor_RecordFailure(t *testing.T) {
	bm := &BackendMonitor{}
	bm.RecordFailure(errors.New("connection refused"))

	status := bm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "connection refused" {
		t.Errorf("LastError = %q, want %q", status.LastError, "connection refused")
	}
}

func TestBackendMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*BackendMonitor)
		expected bool
	}{
		{
			name:     "never succeeded",
			setup:    func(*BackendMonitor) {},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(bm *BackendMonitor) {
				bm.RecordSuccess(time.Millisecond)
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(bm *BackendMonitor) {
				bm.mu.Lock()
				bm.lastSuccess = time.Now().Add(-2 * StaleAfter)
				bm.mu.Unlock()
			},
			expected: false,
		},
		{
			name: "one failure after success",
			setup: func(bm *BackendMonitor) {
				bm.RecordSuccess(time.Millisecond)
				bm.RecordFailure(errors.New("timeout"))
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(bm *BackendMonitor) {
				bm.RecordSuccess(time.Millisecond)
				for i := 0; i < MaxConsecutiveFailures; i++ {
					bm.RecordFailure(errors.New("timeout"))
				}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bm := &BackendMonitor{}
			tt.setup(bm)
			if got := bm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBackendMonitor_Check(t *testing.T) {
	fake := backendtest.New()
	bm := &BackendMonitor{}

	if err := bm.Check(context.Background(), fake, time.Second); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !bm.IsHealthy() {
		t.Error("backend should be healthy after a successful health check")
	}
	if fake.OpenSessions() != 0 {
		t.Errorf("health check left %d sessions open", fake.OpenSessions())
	}

	fake.OpenErr = errors.New("connection refused")
	err := bm.Check(context.Background(), fake, time.Second)
	if !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Errorf("Check() error = %v, want ErrBackendUnavailable", err)
	}
	if bm.Status().ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", bm.Status().ConsecutiveErrors)
	}
}

func TestBackendMonitor_CheckCloseFailureIsHealthy(t *testing.T) {
	fake := backendtest.New()
	fake.CloseErr = errors.New("reset")
	bm := &BackendMonitor{}

	if err := bm.Check(context.Background(), fake, time.Second); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !bm.IsHealthy() {
		t.Error("a session that opened counts as reachable")
	}
}
