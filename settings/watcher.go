package settings

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 100 * time.Millisecond

// Watcher reloads the settings store when the file changes on disk, so
// edits made outside the server (or by another instance) take effect
// without a restart. Events are debounced: editors often emit several
// writes per save.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	done    chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer
}

func NewWatcher(store *Store) *Watcher {
	return &Watcher{store: store, done: make(chan struct{})}
}

// Start begins watching the directory containing the settings file. The
// directory is watched rather than the file itself because atomic writes
// replace the file, which would drop a file-level watch.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.store.Path())); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.eventLoop()
	slog.Info("settings watcher started", "path", w.store.Path())
	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.store.Path() {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("settings watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, func() {
		slog.Debug("settings file changed, reloading")
		w.store.reload()
	})
}
