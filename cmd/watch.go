package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mykhaliev/protocol-bench/logger"
)

// DefaultDebounceInterval is how long the document must stay unchanged
// before a re-run starts. Editors often write a file in several steps.
const DefaultDebounceInterval = 300 * time.Millisecond

// watchAndRun runs the document once and again after every change until ctx
// is cancelled. Failing runs do not stop the loop.
func watchAndRun(ctx context.Context, out io.Writer, opts *runOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(opts.file)
	if err != nil {
		return err
	}
	// Watch the directory: rename-on-save replaces the file itself.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	rerun := make(chan struct{}, 1)
	trigger := func() {
		select {
		case rerun <- struct{}{}:
		default:
		}
	}
	trigger()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info("Watch mode stopped")
			return nil

		case <-rerun:
			err := runOnce(ctx, out, opts)
			switch {
			case err == nil:
			case errors.Is(err, errTestsFailed):
				logger.Logger.Warn("Run finished with failures")
			default:
				logger.Logger.Error("Run failed", "error", err)
			}
			logger.Logger.Info("Waiting for changes", "file", abs)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Logger.Debug("Document changed", "file", event.Name, "op", event.Op.String())
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(DefaultDebounceInterval, trigger)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Logger.Warn("File watcher error", "error", err)
		}
	}
}
