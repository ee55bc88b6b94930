package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig watches the given files for writes and emits a debounced
// signal on the returned channel once changes settle. Multiple rapid
// writes (editors that truncate-then-write) collapse into a single tick.
func WatchConfig(ctx context.Context, files ...string) <-chan struct{} {
	out := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher unavailable, hot-reload disabled", "error", err)
		return out
	}

	for _, f := range files {
		if err := watcher.Add(f); err != nil {
			slog.Warn("cannot watch config file", "file", f, "error", err)
		}
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		var debounceC <-chan time.Time

		notify := func() {
			select {
			case out <- struct{}{}:
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.NewTimer(300 * time.Millisecond)
				debounceC = debounce.C

			case <-debounceC:
				debounceC = nil
				notify()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return out
}
