package pending

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a file-backed store's snapshot for writes made by other
// processes, so the serving daemon can re-broadcast pending state and
// schedule a drain when a standalone drainer or a second relay touches the
// queue. It watches the parent directory because every mutation replaces the
// snapshot by rename.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	logger   Logger
	fsw      *fsnotify.Watcher
}

func WatchStoreFile(path string, debounce time.Duration, onChange func(), logger Logger) (*Watcher, error) {
	if path == "" || onChange == nil {
		return nil, ErrInvalidInput
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		fsw:      fsw,
	}, nil
}

// Run blocks until ctx is done, invoking the change callback at most once
// per debounce window.
func (w *Watcher) Run(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logf("store watch error: %v", err)
		case <-timer.C:
			pending = false
			w.onChange()
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
