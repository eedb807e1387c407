package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher debounces filesystem change events across the config file and
// the activation descriptor directories into a single notification
// channel, so the caller can feed one coalesced wake-up into the event
// loop's self-pipe instead of reacting to every individual write.
type Watcher struct {
	fsw     *fsnotify.Watcher
	Changed chan struct{}
	debounce time.Duration
}

func NewWatcher(configPath string, watchDirs []string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := fsw.Add(filepath.Dir(configPath)); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	for _, d := range watchDirs {
		if err := fsw.Add(d); err != nil {
			continue // missing descriptor directory is not fatal
		}
	}
	w := &Watcher{fsw: fsw, Changed: make(chan struct{}, 1), debounce: debounce}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	for {
		select {
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case w.Changed <- struct{}{}:
				default:
				}
			})
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
