package config

import (
	"time"

	"github.com/companionkit/companiond/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the configuration file when it changes on disk and
// notifies the callback with the freshly loaded config. Only runtime-safe
// fields (currently the log level) are expected to be acted on by callers;
// collaborators are wired once at startup.
type Watcher struct {
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// Watch starts watching path. The callback runs on the watcher goroutine.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(path); err != nil {
		// The file may not exist yet; watching is best-effort.
		logger.Global().Warn("config watch unavailable for %s: %v", path, err)
		watcher.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: watcher,
		stop:    make(chan struct{}),
	}

	go w.run(path, onChange)
	return w, nil
}

func (w *Watcher) run(path string, onChange func(*Config)) {
	// Editors often emit a burst of events per save; debounce them.
	var pending <-chan time.Time

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Global().Warn("config watch error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Global().Warn("config reload failed: %v", err)
				continue
			}
			onChange(cfg)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}
