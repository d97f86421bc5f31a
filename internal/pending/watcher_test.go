package pending

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherObservesSnapshotReplacement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	changed := make(chan struct{}, 4)
	watcher, err := WatchStoreFile(path, 20*time.Millisecond, func() {
		changed <- struct{}{}
	}, nil)
	if err != nil {
		t.Fatalf("watch store file failed: %v", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	if !store.Append(Change{URL: "http://api/notes/1", Method: "PUT"}, nil) {
		t.Fatalf("append failed")
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected change callback after snapshot write")
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.json")
	changed := make(chan struct{}, 4)
	watcher, err := WatchStoreFile(path, 20*time.Millisecond, func() {
		changed <- struct{}{}
	}, nil)
	if err != nil {
		t.Fatalf("watch store file failed: %v", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	sibling, err := NewFileStore(filepath.Join(dir, "other.json"))
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	if !sibling.Append(Change{URL: "http://api/notes/1", Method: "PUT"}, nil) {
		t.Fatalf("append failed")
	}

	select {
	case <-changed:
		t.Fatalf("expected no callback for a sibling file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchStoreFileValidatesInput(t *testing.T) {
	if _, err := WatchStoreFile("", 0, func() {}, nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := WatchStoreFile("some/path.json", 0, nil, nil); err == nil {
		t.Fatalf("expected error for nil callback")
	}
}
