package venv

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 300 * time.Millisecond

// Watch rescans whenever an entry directly under the base directory appears
// or disappears, then calls onChange with the fresh list. Bursts of events
// (a venv being populated) collapse into one rescan. It blocks until ctx is
// done.
func (r *Registry) Watch(ctx context.Context, onChange func([]Environment)) error {
	baseDir := r.BaseDir()
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return classify(err, baseDir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(baseDir); err != nil {
		return fmt.Errorf("watch %s: %w", baseDir, err)
	}
	r.logger.Debug("watching base directory", "path", baseDir)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watcher error", "error", err)
		case <-pending:
			pending = nil
			onChange(r.List())
		}
	}
}
