package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces editor save bursts into one reload.
const DefaultDebounce = 500 * time.Millisecond

// WatchConfig watches the given files and emits the base name of a changed
// file once writes have been quiet for the debounce window. The channel is
// never closed; readers stop when ctx is done.
func WatchConfig(ctx context.Context, debounce time.Duration, files ...string) <-chan string {
	reloadCh := make(chan string, 1)
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create fsnotify watcher", "error", err)
		return reloadCh
	}

	// Watch directories rather than files so atomic "write temp + rename"
	// saves keep being observed.
	watched := make(map[string]bool)
	targets := make(map[string]bool)
	for _, file := range files {
		absPath, err := filepath.Abs(file)
		if err != nil {
			slog.Warn("Could not resolve absolute path for watch file", "file", file)
			continue
		}
		targets[absPath] = true
		dir := filepath.Dir(absPath)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			slog.Warn("Could not watch directory", "dir", dir, "error", err)
			continue
		}
		watched[dir] = true
		slog.Debug("Watching configuration directory", "dir", dir)
	}

	go func() {
		defer watcher.Close()

		var (
			mu     sync.Mutex
			timers = make(map[string]*time.Timer)
		)
		defer func() {
			mu.Lock()
			for _, t := range timers {
				t.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !targets[event.Name] {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(event.Name)
				mu.Lock()
				if t, ok := timers[name]; ok {
					t.Stop()
				}
				timers[name] = time.AfterFunc(debounce, func() {
					slog.Info("Configuration change detected", "file", name)
					select {
					case reloadCh <- name:
					case <-ctx.Done():
					}
				})
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Watcher encountered an error", "error", err)
			}
		}
	}()

	return reloadCh
}
