package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/smazurov/edgeprobe/internal/logging"
)

// DefaultDebounce is how long the watcher waits after the last change
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Loader reads a typed configuration snapshot from path.
type Loader[T any] func(path string) (T, error)

// Watcher reloads a configuration file whenever it changes and hands the
// fresh snapshot to every registered handler.
//
// The parent directory is watched rather than the file itself so editors
// that save by writing a temporary file and renaming it over the original
// keep triggering reloads.
type Watcher[T any] struct {
	path     string
	debounce time.Duration
	load     Loader[T]
	onError  func(error)
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[int]func(T)
	nextID   int

	fsw      *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption[T any] func(*Watcher[T])

// WithDebounce sets the quiet period required before a reload.
func WithDebounce[T any](d time.Duration) WatcherOption[T] {
	return func(w *Watcher[T]) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithErrorHandler is called when the loader fails. Handlers are not
// notified in that case.
func WithErrorHandler[T any](fn func(error)) WatcherOption[T] {
	return func(w *Watcher[T]) {
		w.onError = fn
	}
}

// WithWatcherLogger overrides the "config" module logger.
func WithWatcherLogger[T any](logger *slog.Logger) WatcherOption[T] {
	return func(w *Watcher[T]) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for path. Nothing is watched until Start.
func NewWatcher[T any](path string, load Loader[T], opts ...WatcherOption[T]) *Watcher[T] {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher[T]{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		load:     load,
		logger:   logging.GetLogger("config"),
		handlers: make(map[int]func(T)),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the absolute path being watched.
func (w *Watcher[T]) Path() string {
	return w.path
}

// OnReload registers handler and returns a function that removes it.
func (w *Watcher[T]) OnReload(handler func(T)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.handlers[id] = handler
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.handlers, id)
		w.mu.Unlock()
	}
}

// Start begins watching. The file must exist.
func (w *Watcher[T]) Start() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("config watcher: " + w.path + " is a directory")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	w.logger.Debug("Watching config file", "path", w.path, "debounce", w.debounce)
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop ends watching and waits for the event loop to exit. Safe to call
// more than once, and before Start.
func (w *Watcher[T]) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		if w.fsw != nil {
			err = w.fsw.Close()
		}
		w.wg.Wait()
	})
	return err
}

func (w *Watcher[T]) run() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher[T]) reload() {
	cfg, err := w.load(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed", "path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	ids := make([]int, 0, len(w.handlers))
	for id := range w.handlers {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Ints(ids)

	w.logger.Info("Config reloaded", "path", w.path, "handlers", len(ids))
	for _, id := range ids {
		w.mu.Lock()
		h := w.handlers[id]
		w.mu.Unlock()
		if h != nil {
			h(cfg)
		}
	}
}
