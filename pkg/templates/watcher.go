package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures an override-directory watcher.
type WatcherConfig struct {
	// StabilityThreshold is how long a file must stay quiet before the
	// cached template is dropped. Defaults to 100ms.
	StabilityThreshold time.Duration
	// OnReload is called after a template was invalidated.
	OnReload func(path string)
}

// Watcher drops cached templates when files in the override directory change.
type Watcher struct {
	registry           *Registry
	watcher            *fsnotify.Watcher
	root               string
	stabilityThreshold time.Duration
	onReload           func(path string)
	done               chan struct{}
	debounceTimers     map[string]*time.Timer
	debounceMu         sync.Mutex
	stopOnce           sync.Once
}

// Watch starts watching the registry's override directory.
func (r *Registry) Watch(cfg WatcherConfig) (*Watcher, error) {
	if r.overrideDir == "" {
		return nil, fmt.Errorf("no template override directory configured")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}

	w := &Watcher{
		registry:           r,
		watcher:            fw,
		root:               r.overrideDir,
		stabilityThreshold: cfg.StabilityThreshold,
		onReload:           cfg.OnReload,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}

	if err := w.addDirectoryRecursive(w.root); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	go w.eventLoop()

	r.logger.Info().Str("path", w.root).Msg("Template watcher started")
	return w, nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var closeErr error
	w.stopOnce.Do(func() {
		close(w.done)

		w.debounceMu.Lock()
		for _, timer := range w.debounceTimers {
			timer.Stop()
		}
		clear(w.debounceTimers)
		w.debounceMu.Unlock()

		if err := w.watcher.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close watcher: %w", err)
		}
		w.registry.logger.Info().Msg("Template watcher stopped")
	})
	return closeErr
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			w.debounceEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.registry.logger.Error().Err(err).Msg("Template watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) debounceEvent(event fsnotify.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	ev := event
	w.debounceTimers[event.Name] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, ev.Name)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.processEvent(ev)
		}
	})
}

func (w *Watcher) processEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addDirectoryRecursive(event.Name)
			// Files copied in together with the directory never raise their
			// own events.
			w.registry.Invalidate("")
			w.notify(event.Name)
			return
		}
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.registry.Invalidate(event.Name)
	w.notify(event.Name)
}

func (w *Watcher) notify(path string) {
	w.registry.logger.Debug().Str("path", path).Msg("Template override changed")
	if w.onReload != nil {
		w.onReload(path)
	}
}

func (w *Watcher) addDirectoryRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if walkPath != w.root && w.shouldIgnore(walkPath) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(walkPath); err != nil {
			w.registry.logger.Warn().Err(err).Str("path", walkPath).Msg("Failed to watch path")
		}
		return nil
	})
}

// shouldIgnore skips dotfiles and editor swap files below the root.
func (w *Watcher) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if len(part) > 1 && part[0] == '.' {
			return true
		}
	}
	base := filepath.Base(path)
	return strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp")
}
