package monitor

import (
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// StorageMonitor tracks disk usage of a data directory with caching to avoid
// expensive filesystem walks.
type StorageMonitor struct {
	fs            afero.Fs
	dataDir       string
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a storage monitor over fs (nil = the OS filesystem).
func NewStorageMonitor(fs afero.Fs, dataDir string) *StorageMonitor {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &StorageMonitor{
		fs:            fs,
		dataDir:       dataDir,
		cacheDuration: 10 * time.Second, // Cache for 10 seconds to avoid expensive disk scans
	}
}

// StorageStatus is the storage section of the health response.
type StorageStatus struct {
	DataDir   string `json:"data_dir"`
	UsedBytes int64  `json:"used_bytes"`
	Error     string `json:"error,omitempty"`
}

// GetUsage returns current storage usage in bytes (cached).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Return cached value if still fresh
	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.fs, sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// Status reports usage for health checks.
func (sm *StorageMonitor) Status() StorageStatus {
	status := StorageStatus{DataDir: sm.dataDir}
	usage, err := sm.GetUsage()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.UsedBytes = usage
	return status
}

// calculateDirSize recursively calculates directory size in bytes.
// Uses actual disk usage (not logical size) where the platform reports it.
func calculateDirSize(fs afero.Fs, path string) (int64, error) {
	var size int64
	err := afero.Walk(fs, path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += getActualFileSize(filePath, info)
		}
		return nil
	})
	return size, err
}

// getActualFileSize is implemented in platform-specific files:
// - filesize_unix.go (Linux/Mac): Uses syscall.Stat_t.Blocks
// - filesize_windows.go (Windows): Uses GetCompressedFileSizeW API
