//go:build linux

package indexer

import (
	"io/fs"
	"syscall"
)

// creationTime extracts the inode change time as the closest portable
// approximation of creation time. Birth time is not available on most Unix
// filesystems.
func creationTime(info fs.FileInfo) (int64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return stat.Ctim.Sec, true
}
