// Package indexer materialises the data root into an in-memory tree on a
// periodic schedule and keeps the persisted file table reconciled with it.
package indexer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"hardwire/internal/server/database"
)

// File is a node in the indexed tree. Size is set for files only; Children
// is non-nil (possibly empty) for directories and nil for files.
type File struct {
	Name       string `json:"name"`
	FullPath   string `json:"full_path"` // relative to the data root
	IsDir      bool   `json:"is_dir"`
	Size       *int64 `json:"size,omitempty"`
	ModifiedAt *int64 `json:"modified_at,omitempty"`
	CreatedAt  *int64 `json:"created_at,omitempty"`
	Children   []File `json:"children,omitempty"`
}

// Indexer owns the background scan loop. The current snapshot is swapped
// atomically under a read-mostly lock; readers get a handle that a scan in
// progress never tears.
type Indexer struct {
	dataRoot string
	interval time.Duration
	repo     *database.Repository

	mu        sync.RWMutex
	snapshot  []File
	pathSizes map[string]int64 // absolute path -> size

	rescanCh chan struct{} // single-slot; rapid triggers coalesce
	waitMu   sync.Mutex
	waiters  []chan struct{}

	done chan struct{}
}

// New creates an Indexer over dataRoot. repo may be nil in tests that do not
// exercise persistence reconciliation.
func New(dataRoot string, interval time.Duration, repo *database.Repository) *Indexer {
	return &Indexer{
		dataRoot:  dataRoot,
		interval:  interval,
		repo:      repo,
		pathSizes: make(map[string]int64),
		rescanCh:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start runs an initial scan and then the periodic loop until ctx is
// cancelled. Call Wait to block until the loop has fully stopped.
func (ix *Indexer) Start(ctx context.Context) {
	slog.Info("file indexer started", "root", ix.dataRoot, "interval", ix.interval)

	go func() {
		ticker := time.NewTicker(ix.interval)
		defer ticker.Stop()

		ix.scan(ctx)

		for {
			select {
			case <-ticker.C:
				ix.scan(ctx)
			case <-ix.rescanCh:
				ix.scan(ctx)
			case <-ctx.Done():
				slog.Info("file indexer stopping")
				close(ix.done)
				return
			}
		}
	}()
}

// Wait blocks until the scan loop has stopped.
func (ix *Indexer) Wait() {
	<-ix.done
}

// Rescan triggers an immediate scan and blocks until one completes (or ctx
// is cancelled). Concurrent triggers coalesce into a single scan.
func (ix *Indexer) Rescan(ctx context.Context) error {
	done := make(chan struct{})
	ix.waitMu.Lock()
	ix.waiters = append(ix.waiters, done)
	ix.waitMu.Unlock()

	select {
	case ix.rescanCh <- struct{}{}:
	default: // a rescan is already queued
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current immutable forest. Callers must not mutate it.
func (ix *Indexer) Snapshot() []File {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.snapshot
}

// SortedSnapshot returns a copy of the forest with directories before files
// at each level, each group ordered by name.
func (ix *Indexer) SortedSnapshot() []File {
	return sortForest(ix.Snapshot())
}

// FileSize looks up the cached size for an absolute path.
func (ix *Indexer) FileSize(absPath string) (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	size, ok := ix.pathSizes[absPath]
	return size, ok
}

func (ix *Indexer) scan(ctx context.Context) {
	forest, err := ix.scanDir(ix.dataRoot)
	if err != nil {
		// Root unreadable: keep the previous snapshot and retry next tick.
		slog.Error("indexer cannot open data root", "root", ix.dataRoot, "error", err)
		ix.notifyWaiters()
		return
	}

	sizes := make(map[string]int64)
	collectFileSizes(forest, ix.dataRoot, sizes)

	ix.mu.Lock()
	ix.snapshot = forest
	ix.pathSizes = sizes
	ix.mu.Unlock()

	if ix.repo != nil {
		ix.reconcile(ctx, sizes)
	}

	ix.notifyWaiters()
}

// scanDir walks one directory level, recursing into subdirectories.
// Per-entry errors are logged and skipped; symlinked directories are listed
// but not descended.
func (ix *Indexer) scanDir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	forest := make([]File, 0, len(entries))
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			slog.Warn("indexer skipping entry", "path", path, "error", err)
			continue
		}

		rel, err := filepath.Rel(ix.dataRoot, path)
		if err != nil {
			rel = path
		}

		node := File{
			Name:     entry.Name(),
			FullPath: rel,
			IsDir:    entry.IsDir(),
		}

		modifiedAt := info.ModTime().Unix()
		node.ModifiedAt = &modifiedAt
		if createdAt, ok := creationTime(info); ok {
			node.CreatedAt = &createdAt
		}

		if entry.IsDir() {
			children, err := ix.scanDir(path)
			if err != nil {
				slog.Warn("indexer skipping directory", "path", path, "error", err)
				continue
			}
			node.Children = children
		} else {
			size := info.Size()
			node.Size = &size
		}

		forest = append(forest, node)
	}
	return forest, nil
}

// reconcile upserts every observed file path into the store. Vanished paths
// are retained: shares may still reference them, and downloads 404 at
// stream time.
func (ix *Indexer) reconcile(ctx context.Context, sizes map[string]int64) {
	for path, size := range sizes {
		if _, err := ix.repo.UpsertFile(ctx, path, size); err != nil {
			slog.Error("indexer failed to reconcile file", "path", path, "error", err)
		}
	}
}

func (ix *Indexer) notifyWaiters() {
	ix.waitMu.Lock()
	waiters := ix.waiters
	ix.waiters = nil
	ix.waitMu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

func collectFileSizes(forest []File, base string, sizes map[string]int64) {
	for _, node := range forest {
		if node.IsDir {
			collectFileSizes(node.Children, base, sizes)
		} else if node.Size != nil {
			sizes[filepath.Join(base, node.FullPath)] = *node.Size
		}
	}
}

func sortForest(forest []File) []File {
	out := make([]File, len(forest))
	copy(out, forest)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	for i := range out {
		if out[i].IsDir {
			out[i].Children = sortForest(out[i].Children)
		}
	}
	return out
}
