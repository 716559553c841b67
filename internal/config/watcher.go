package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when files in the config directory
// change. `ledgerguard serve` uses them to hot-reload thresholds.
type WatchTargets struct {
	// OnConfigChange fires when config.yaml is written or created.
	OnConfigChange func()

	// OnDatasetChange fires when a YAML file in the dataset directory is
	// written or created. Only used when the dataset lives in the watched
	// directory.
	OnDatasetChange func(name string)
}

// Watcher monitors directories for file changes using fsnotify and fires
// the matching callback. Call Close to stop it.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the config directory and any extra
// directories given (typically the dataset directory).
func NewWatcher(dir string, targets WatchTargets, extra ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	for _, d := range append([]string{dir}, extra...) {
		if err := fw.Add(d); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", d, err)
		}
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir, "extra", extra)
	return w, nil
}

func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			switch {
			case name == "config.yaml":
				slog.Info("config.yaml changed, triggering reload")
				if targets.OnConfigChange != nil {
					targets.OnConfigChange()
				}
			case filepath.Ext(name) == ".yaml" && targets.OnDatasetChange != nil:
				slog.Debug("dataset file changed", "file", name)
				targets.OnDatasetChange(name)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
