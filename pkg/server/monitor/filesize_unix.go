//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// getActualFileSize returns allocated blocks for files on a real disk and
// the logical size otherwise
func getActualFileSize(_ string, info os.FileInfo) int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size()
	}
	// Blocks are 512 bytes on Unix systems
	return stat.Blocks * 512
}
