package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is invoked when a watched file is created or modified.
type ChangeHandler func(path string)

// Watcher hot-reloads a single file via fsnotify. Events are debounced
// because editors and atomic writes emit bursts of WRITE/CREATE events.
type Watcher struct {
	path     string
	handler  ChangeHandler
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a watcher for path; Run must be called to start it.
func NewWatcher(path string, handler ChangeHandler, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		handler:  handler,
		debounce: 500 * time.Millisecond,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, invoking the handler on each change.
// The parent directory is watched rather than the file itself so that
// rename-based atomic writes are still observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.logger.Info("Watching for changes", zap.String("file", w.path))

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", zap.Error(err))
		case <-fire:
			w.logger.Info("Watched file changed, reloading", zap.String("file", w.path))
			w.handler(w.path)
		}
	}
}
