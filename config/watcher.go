package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce collapses the burst of events editors produce on save.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads configuration when one of its source files changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]bool
	debounce time.Duration
	load     func() (*Config, error)
	onReload func(*Config)
	logger   *logrus.Entry

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the directories holding files. Editors often replace a
// file instead of writing it, so the directory is watched rather than the
// file. load is called after changes settle and onReload receives its result.
func NewWatcher(files []string, debounce time.Duration, load func() (*Config, error), onReload func(*Config), logger *logrus.Entry) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  watcher,
		files:    make(map[string]bool),
		debounce: debounce,
		load:     load,
		onReload: onReload,
		logger:   logger,
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}

	watched := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		// Symlinked files are reported under their target's path.
		if target, err := filepath.EvalSymlinks(abs); err == nil && target != abs {
			w.files[target] = true
			if dir := filepath.Dir(target); !watched[dir] {
				if err := watcher.Add(dir); err != nil {
					logger.WithError(err).Warnf("Failed to watch symlink target dir %s", dir)
				}
				watched[dir] = true
			}
		}
		w.files[abs] = true
		dir := filepath.Dir(abs)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, err
		}
		watched[dir] = true
	}
	return w, nil
}

// Start processes events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.logger.Debugf("fsnotify event: %s op=%v", event.Name, event.Op)
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !w.files[filepath.Clean(event.Name)] {
				continue
			}
			w.schedule(filepath.Base(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		}
	}
}

// schedule restarts the debounce timer so a burst of writes reloads once.
func (w *Watcher) schedule(file string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.logger.Infof("Config changed: %s", file)
		cfg, err := w.load()
		if err != nil {
			w.logger.WithError(err).Warn("Keeping previous configuration")
			return
		}
		if w.onReload != nil {
			w.onReload(cfg)
		}
	})
}
