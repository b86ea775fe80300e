package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of events an editor or atomic rename
// produces for a single logical change.
const reloadDebounce = 200 * time.Millisecond

// Watcher reloads the store when the document changes on disk. Invalid
// edits are logged and ignored, keeping the live snapshot.
type Watcher struct {
	store   *Store
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchStore starts watching the store's backing file. The parent directory
// is watched rather than the file itself: atomic rewrites replace the inode,
// which would silently detach a file-level watch.
func WatchStore(store *Store, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsw.Add(filepath.Dir(store.Path())); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		store:   store,
		logger:  logger,
		watcher: fsw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.store.Path())

	var debounce *time.Timer
	reload := func() {
		if err := w.store.ReloadFromDisk(); err != nil {
			w.logger.Warn("Ignoring invalid config edit on disk",
				"path", target,
				"error", err,
			)
		}
	}

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
