package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultWatchDebounce coalesces editor save bursts into one reload.
const DefaultWatchDebounce = 500 * time.Millisecond

// JobWatcher reloads a job file whenever it changes on disk and hands each
// successfully decoded job to a callback. Invalid edits are logged and skipped.
type JobWatcher struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	reload   chan struct{}
}

// NewJobWatcher watches path and its directory, so atomic saves that replace
// the file are seen too.
func NewJobWatcher(path string, logger *logrus.Logger) (*JobWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve job path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch job directory: %w", err)
	}
	return &JobWatcher{
		path:     abs,
		logger:   logger,
		watcher:  watcher,
		debounce: DefaultWatchDebounce,
		reload:   make(chan struct{}, 1),
	}, nil
}

// SetDebounce overrides DefaultWatchDebounce.
func (w *JobWatcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run blocks until ctx is done, calling fn for every reloaded job. fn runs
// on the watcher goroutine, so changes made while it runs queue one reload.
func (w *JobWatcher) Run(ctx context.Context, fn func(*Job)) error {
	defer w.watcher.Close()
	go w.watchFiles(ctx)

	w.logger.WithField("path", w.path).Info("Watching job file for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.reload:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.debounce):
		}
		// drain requests that arrived during the debounce window
		select {
		case <-w.reload:
		default:
		}

		job, err := LoadJob(w.path)
		if err != nil {
			w.logger.WithError(err).WithField("path", w.path).Error("Job reload failed")
			continue
		}
		w.logger.WithField("path", w.path).Info("Job file changed, running")
		fn(job)
	}
}

func (w *JobWatcher) watchFiles(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("File watcher panic recovered")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithFields(logrus.Fields{"event": event.Op.String(), "file": event.Name}).Debug("File system event received")
			select {
			case w.reload <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("File watcher error")
		}
	}
}
