package mapping

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/sqlshift/pkg/log"
)

// Watcher reloads a mapping file into a Store whenever it changes.
//
// The file's directory is watched rather than the file itself so that
// replace-by-rename saves are seen. A file that fails to load leaves the
// previous snapshot published.
type Watcher struct {
	mu sync.Mutex

	path   string
	store  *Store
	logger *log.Logger

	fsWatcher *fsnotify.Watcher

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	debounceDelay time.Duration
	pending       bool
	eventTimer    *time.Timer

	onReload func(snap *Snapshot)
	onError  func(err error)
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long to wait for a burst of events to settle.
// Default is 100ms.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithOnReload sets a callback run after each published reload.
func WithOnReload(fn func(snap *Snapshot)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithOnError sets a callback for load and watch errors.
func WithOnError(fn func(err error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a watcher for the mapping file at path.
func NewWatcher(path string, store *Store, logger *log.Logger, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	w := &Watcher{
		path:          abs,
		store:         store,
		logger:        logger,
		fsWatcher:     fsw,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.logger.System().Info("mapping watcher started", "path", w.path)

	go w.processEvents()
	return nil
}

// Stop stops the watcher and waits for it to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.logger.System().Info("mapping watcher stopped", "path", w.path)
	return w.fsWatcher.Close()
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			w.mu.Lock()
			if w.eventTimer != nil {
				w.eventTimer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.System().Error("mapping watcher error", err)
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.logger.System().Warn("mapping file removed, keeping current snapshot", "path", w.path)
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = true
	if w.eventTimer != nil {
		w.eventTimer.Stop()
	}
	w.eventTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if !w.pending || !w.running {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()

	if _, err := os.Stat(w.path); err != nil {
		return
	}

	prev := w.store.Snapshot()
	if data, err := os.ReadFile(w.path); err == nil && prev != nil && prev.Hash == hashOf(data) {
		w.logger.System().Debug("mapping unchanged, skipping reload", "path", w.path)
		return
	}

	snap, err := w.store.LoadFile(w.path)
	if err != nil {
		w.logger.System().Error("failed to reload mapping", err, "path", w.path)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	tables, columns := snap.Mapping.Len()
	w.logger.System().Info("mapping reloaded",
		"path", w.path,
		"version", snap.Version,
		"tables", tables,
		"columns", columns,
	)
	if w.onReload != nil {
		w.onReload(snap)
	}
}
