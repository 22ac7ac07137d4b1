package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CatalogWatcher observes the catalog directory and invokes a callback when a
// YAML pack changes on disk. Reload failures must leave the previous catalog
// in place; the callback owns that contract.
type CatalogWatcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

// WatchCatalogs starts watching dir. onChange receives the changed file path,
// debounced so editors that write in bursts trigger a single reload.
func WatchCatalogs(dir string, logger *slog.Logger, onChange func(path string)) (*CatalogWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	cw := &CatalogWatcher{watcher: fw, logger: logger, done: make(chan struct{})}
	go cw.run(onChange)
	return cw, nil
}

func (w *CatalogWatcher) run(onChange func(path string)) {
	const debounce = 250 * time.Millisecond

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("catalog watcher error", slog.Any("error", err))
		case <-timerC:
			for path := range pending {
				w.logger.Info("catalog changed", slog.String("path", path))
				onChange(path)
			}
			pending = make(map[string]struct{})
			timerC = nil
		}
	}
}

// Close stops the watcher.
func (w *CatalogWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
