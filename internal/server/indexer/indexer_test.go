package indexer

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// Test helpers

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func startIndexer(t *testing.T, root string) *Indexer {
	t.Helper()

	ix := New(root, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ix.Start(ctx)
	t.Cleanup(func() {
		cancel()
		ix.Wait()
	})

	// The initial scan runs before the loop selects; wait for it.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := ix.Rescan(waitCtx); err != nil {
		t.Fatalf("initial rescan failed: %v", err)
	}
	return ix
}

func collectPaths(t *testing.T, forest []File, out map[string]bool) {
	t.Helper()
	for _, node := range forest {
		if out[node.FullPath] {
			t.Errorf("duplicate path %s", node.FullPath)
		}
		out[node.FullPath] = true
		collectPaths(t, node.Children, out)
	}
}

// Tests

func TestSnapshot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "report.pdf"), []byte("pdf"))
	writeFile(t, filepath.Join(root, "music", "track.mp3"), []byte("mp3mp3"))
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	ix := startIndexer(t, root)
	snapshot := ix.Snapshot()

	t.Run("forest contains all entries", func(t *testing.T) {
		paths := make(map[string]bool)
		collectPaths(t, snapshot, paths)
		for _, want := range []string{"report.pdf", "music", filepath.Join("music", "track.mp3"), "empty"} {
			if !paths[want] {
				t.Errorf("missing path %s", want)
			}
		}
	})

	t.Run("directory children are non-nil", func(t *testing.T) {
		for _, node := range snapshot {
			if node.IsDir && node.Children == nil {
				t.Errorf("directory %s has nil children", node.FullPath)
			}
			if !node.IsDir && node.Children != nil {
				t.Errorf("file %s has children", node.FullPath)
			}
		}
	})

	t.Run("file nodes carry sizes", func(t *testing.T) {
		for _, node := range snapshot {
			if node.FullPath == "report.pdf" {
				if node.Size == nil || *node.Size != 3 {
					t.Errorf("expected size 3, got %v", node.Size)
				}
			}
		}
	})

	t.Run("size cache resolves absolute paths", func(t *testing.T) {
		size, ok := ix.FileSize(filepath.Join(root, "music", "track.mp3"))
		if !ok {
			t.Fatal("expected cached size")
		}
		if size != 6 {
			t.Errorf("expected size 6, got %d", size)
		}
	})
}

func TestSortedSnapshot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.txt"), []byte("b"))
	writeFile(t, filepath.Join(root, "a.txt"), []byte("a"))
	writeFile(t, filepath.Join(root, "zdir", "inner.txt"), []byte("i"))
	writeFile(t, filepath.Join(root, "adir", "inner.txt"), []byte("i"))

	ix := startIndexer(t, root)
	sorted := ix.SortedSnapshot()

	want := []string{"adir", "zdir", "a.txt", "b.txt"}
	if len(sorted) != len(want) {
		t.Fatalf("expected %d top-level nodes, got %d", len(want), len(sorted))
	}
	for i, node := range sorted {
		if node.Name != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], node.Name)
		}
	}
}

func TestRescan(t *testing.T) {
	t.Run("picks up new files", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "old.txt"), []byte("old"))
		ix := startIndexer(t, root)

		writeFile(t, filepath.Join(root, "new.txt"), []byte("new"))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ix.Rescan(ctx); err != nil {
			t.Fatalf("rescan failed: %v", err)
		}

		paths := make(map[string]bool)
		collectPaths(t, ix.Snapshot(), paths)
		if !paths["new.txt"] {
			t.Error("expected new.txt after rescan")
		}
	})

	t.Run("idempotent with no disk changes", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "stable.txt"), []byte("stable"))
		ix := startIndexer(t, root)

		first := ix.SortedSnapshot()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ix.Rescan(ctx); err != nil {
			t.Fatalf("rescan failed: %v", err)
		}
		second := ix.SortedSnapshot()

		if !reflect.DeepEqual(first, second) {
			t.Error("snapshots differ with no disk changes")
		}
	})

	t.Run("cancelled context returns", func(t *testing.T) {
		ix := New(t.TempDir(), time.Hour, nil)
		// Loop not started: Rescan must give up when the context does.
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := ix.Rescan(ctx); err == nil {
			t.Error("expected context error")
		}
	})
}
