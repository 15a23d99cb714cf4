package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific files change:
// the mock-response catalog and the top-level config file. The watcher
// only fires the callbacks; it reloads nothing itself (cmd/devproxy's
// callbacks log a notice that a restart is needed).
//
// Adapted from the teacher's WatchTargets (internal/config/watcher.go),
// which fired on rules.yaml/killed.yaml; here the watched files are the
// mocks catalog and the config file itself, since C6's mock catalog and
// the plugin config block are the in-scope components that need a
// reload path (design doc Section A.3).
type WatchTargets struct {
	// OnMocksChange fires when the mock-response catalog file is written
	// or created.
	OnMocksChange func()

	// OnConfigChange fires when the top-level config file is written or
	// created.
	OnConfigChange func()
}

// Watcher monitors a directory for changes to specific files using
// fsnotify, firing the matching callback in WatchTargets.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	done       chan struct{}
	mocksName  string
	configName string
}

// NewWatcher creates a file watcher on dir, matching events against
// mocksFile and configFile by base name.
func NewWatcher(dir, mocksFile, configFile string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher:  fw,
		done:       make(chan struct{}),
		mocksName:  filepath.Base(mocksFile),
		configName: filepath.Base(configFile),
	}

	go w.processEvents(targets)

	slog.Info("config file watcher started", "dir", dir)
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

			switch filepath.Base(event.Name) {
			case w.mocksName:
				slog.Info("mock catalog changed, triggering reload")
				if targets.OnMocksChange != nil {
					targets.OnMocksChange()
				}
			case w.configName:
				slog.Info("config file changed, triggering reload")
				if targets.OnConfigChange != nil {
					targets.OnConfigChange()
				}
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

// Close stops the watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
