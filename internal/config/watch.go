package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/bashhack/git-pulsar/internal/errors"
)

// Watcher reloads a Holder whenever one of its cascade files changes on
// disk, so an edit to pulsar.toml takes effect on the daemon's next tick
// without a restart.
type Watcher struct {
	holder  *Holder
	fsw     *fsnotify.Watcher
	onError func(error)
	done    chan struct{}
}

// NewWatcher starts watching h's cascade files. onError is called (from the
// watcher's own goroutine) whenever a reload fails; it may be nil.
func NewWatcher(h *Holder, onError func(error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating config file watcher")
	}

	for _, path := range h.WatchedPaths() {
		if err := fsw.Add(path); err != nil {
			_ = fsw.Close()
			return nil, errors.Wrapf(err, "watching %s", path)
		}
	}

	w := &Watcher{holder: h, fsw: fsw, onError: onError, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.holder.Reload(); err != nil && w.onError != nil {
				w.onError(err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if err != nil && w.onError != nil {
				w.onError(err)
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases its inotify/kqueue handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
