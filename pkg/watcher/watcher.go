// Package watcher reloads the package cache when the engine's files change
// behind qapt's back, for example after a manual apt-get run.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dikkadev/qapt/pkg/logging"
)

// DefaultDebounce is how long the files must stay quiet before a reload
const DefaultDebounce = 2 * time.Second

// Watcher watches cache files and calls a reload function after they change
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	files    map[string]bool // cleaned paths of the watched files
	reload   func(context.Context) error
	busy     func() bool
	debounce time.Duration
	pending  time.Time // last unhandled change, zero when none
	log      *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool

	stats Stats
}

// Stats counts watcher activity
type Stats struct {
	Events  int // relevant filesystem events
	Reloads int // reload calls
	Skipped int // changes dropped while busy
	Errors  int
	Last    time.Time // time of the last relevant event
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets the quiet period before reloading
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithBusy skips reloads while busy reports true. The backend reloads by
// itself after its own worker operations.
func WithBusy(busy func() bool) Option {
	return func(w *Watcher) { w.busy = busy }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.log = logging.OrNop(l).Named("watcher") }
}

// New creates a watcher for files. Their parent directories are watched so
// files replaced by rename are still noticed.
func New(files []string, reload func(context.Context) error, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		files:    make(map[string]bool, len(files)),
		reload:   reload,
		busy:     func() bool { return false },
		debounce: DefaultDebounce,
		log:      zap.NewNop(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, f := range files {
		w.files[filepath.Clean(f)] = true
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dirs := make(map[string]bool)
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			w.log.Warn("not watching missing directory", zap.String("dir", dir))
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			w.log.Warn("failed to watch directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		w.log.Debug("watching directory", zap.String("dir", dir))
	}

	go w.run(ctx)
	return nil
}

// Stop stops watching and waits for a running reload to return
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.log.Error("closing watcher", zap.Error(err))
	}
}

// Stats returns a copy of the activity counters
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 4
	if tick <= 0 || tick > 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.files[filepath.Clean(event.Name)] {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	w.log.Debug("cache file changed", zap.String("file", event.Name), zap.Stringer("op", event.Op))

	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.pending = now
	w.stats.Events++
	w.stats.Last = now
}

func (w *Watcher) processPending(ctx context.Context) {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	if w.busy() {
		w.log.Debug("skipping reload while busy")
		w.mu.Lock()
		w.stats.Skipped++
		w.mu.Unlock()
		return
	}

	err := w.reload(ctx)

	w.mu.Lock()
	w.stats.Reloads++
	if err != nil {
		w.stats.Errors++
	}
	w.mu.Unlock()

	if err != nil {
		w.log.Error("reload failed", zap.Error(err))
		return
	}
	w.log.Info("reloaded package cache after external change")
}
