package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pearlops/pearld/internal/logging"
)

// Watcher observes the config file for on-disk edits. Registries and
// descriptors are immutable once the daemon is up, so a change is never
// applied live: the watcher only flips a restart-required flag that the
// status endpoint surfaces.
type Watcher struct {
	path          string
	fsw           *fsnotify.Watcher
	restartNeeded atomic.Bool
	quietUntil    atomic.Int64
}

// NewWatcher creates a watcher for the given config file path. The parent
// directory is watched rather than the file itself so editors that
// rename-on-save are still observed.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, fsw: fsw}, nil
}

// Run consumes filesystem events until the context is cancelled. Call it in
// its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if time.Now().UnixNano() < w.quietUntil.Load() {
				continue
			}
			if w.restartNeeded.CompareAndSwap(false, true) {
				logging.Warn("config file changed on disk; restart pearld to apply",
					"path", w.path)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("config watcher error", logging.Err(err))
		}
	}
}

// SuppressFor ignores events arriving within the given window. The daemon
// calls this around its own config writes, so a program selection persisted
// through the API does not read as an external edit demanding a restart.
func (w *Watcher) SuppressFor(d time.Duration) {
	w.quietUntil.Store(time.Now().Add(d).UnixNano())
}

// RestartRequired reports whether the config file changed since startup.
func (w *Watcher) RestartRequired() bool {
	return w.restartNeeded.Load()
}
