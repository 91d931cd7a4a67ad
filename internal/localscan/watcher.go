package localscan

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
	"git.home.luguber.info/inful/assetstore/internal/workers"
)

// DefaultDebounce is how long a file must stay quiet before it is hashed.
const DefaultDebounce = 500 * time.Millisecond

// Watcher remembers files created or written under watched directories,
// including directories created after Add.
type Watcher struct {
	fsw      *fsnotify.Watcher
	filter   Filter
	r        Rememberer
	debounce time.Duration
	notify   func(path string, d asset.Digest)
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
	stopCh  chan struct{}
	group   workers.Group
	started bool
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithNotify is called after each file is remembered.
func WithNotify(fn func(path string, d asset.Digest)) WatchOption {
	return func(w *Watcher) { w.notify = fn }
}

func WithLogger(l *slog.Logger) WatchOption { return func(w *Watcher) { w.logger = l } }

// NewWatcher creates a watcher; nothing is watched until Add.
func NewWatcher(r Rememberer, filter Filter, opts ...WatchOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		filter:   filter,
		r:        r,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Add watches dir and every directory below it.
func (w *Watcher) Add(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve watch directory: %w", err)
	}
	return filepath.WalkDir(abs, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if p == abs {
				return err
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", p, err)
		}
		return nil
	})
}

// Start runs the event loop until ctx ends or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started || w.closed {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Starting local file watcher", slog.Int("directories", len(w.fsw.WatchList())))
	w.group.Go(func() { w.loop(ctx) })
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Local file watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.Add(event.Name); err != nil {
				w.logger.Warn("Could not watch new directory", logfields.Path(event.Name), logfields.Error(err))
			}
		}
		return
	}
	if !info.Mode().IsRegular() || !w.filter.Match(event.Name) {
		return
	}
	w.schedule(event.Name)
}

// schedule (re)starts the quiet timer of path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.remember(path) })
}

func (w *Watcher) remember(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	d, err := w.r.RememberFile(path)
	if err != nil {
		w.logger.Warn("Could not remember file", logfields.Path(path), logfields.Error(err))
		return
	}
	w.logger.Debug("Remembered local file", logfields.Path(path), logfields.Digest(d.String()))
	if w.notify != nil {
		w.notify(path, d)
	}
}

// Close stops the loop and pending timers and releases the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
	close(w.stopCh)
	w.mu.Unlock()

	err := w.fsw.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = w.group.StopAndWait(ctx)
	return err
}
