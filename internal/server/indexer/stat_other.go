//go:build !linux

package indexer

import "io/fs"

func creationTime(info fs.FileInfo) (int64, bool) {
	return 0, false
}
