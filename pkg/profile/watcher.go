package profile

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/sqlconv/pkg/log"
)

// Watcher reloads a profile file when it changes on disk and hands the
// new set to a callback.
type Watcher struct {
	mu sync.Mutex

	path   string
	logger *log.Logger

	fsWatcher *fsnotify.Watcher

	// State
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Debouncing: a burst of events triggers one reload
	debounceDelay time.Duration
	eventTimer    *time.Timer
	lastSum       [sha256.Size]byte

	onReload func(f *File)
	onError  func(err error)
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for batching file events.
// Default is 100ms.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithOnReload sets the callback that receives a successfully reloaded file.
func WithOnReload(fn func(f *File)) WatcherOption {
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

// NewWatcher creates a watcher for the profile file at path.
func NewWatcher(path string, logger *log.Logger, opts ...WatcherOption) (*Watcher, error) {
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
		logger:        logger,
		fsWatcher:     fsw,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	if data, err := os.ReadFile(abs); err == nil {
		w.lastSum = sha256.Sum256(data)
	}
	return w, nil
}

// Start begins watching. The parent directory is watched so that editors
// that replace the file by rename are still seen.
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

	w.logger.Config().Info("profile watcher started", "path", w.path)

	go w.processEvents()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	if w.eventTimer != nil {
		w.eventTimer.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.logger.Config().Info("profile watcher stopped", "path", w.path)
	return w.fsWatcher.Close()
}

// IsRunning returns whether the watcher is currently running.
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
			w.logger.Config().Error("watcher error", err, "path", w.path)
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
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.eventTimer != nil {
		w.eventTimer.Stop()
	}
	w.eventTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

// reload loads the file and, if its content changed and it validates,
// passes it to the reload callback. A broken file keeps the old set.
func (w *Watcher) reload() {
	if !w.IsRunning() {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		// Mid-rename; the create event that follows triggers another reload.
		w.logger.Config().Debug("profile file not readable", "path", w.path, "error", err.Error())
		return
	}

	sum := sha256.Sum256(data)
	w.mu.Lock()
	unchanged := sum == w.lastSum
	w.mu.Unlock()
	if unchanged {
		w.logger.Config().Debug("profile file unchanged, skipping reload", "path", w.path)
		return
	}

	f, err := Parse(data)
	if err != nil {
		w.logger.Config().Error("failed to reload profile file", err, "path", w.path)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	f.path = w.path

	w.mu.Lock()
	w.lastSum = sum
	w.mu.Unlock()

	w.logger.Config().Info("profile file reloaded",
		"path", w.path,
		"profiles", len(f.Profiles),
		"default", f.Default,
	)
	if w.onReload != nil {
		w.onReload(f)
	}
}
