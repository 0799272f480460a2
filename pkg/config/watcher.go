package config

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadCallback is called with the freshly loaded configuration when the
// watched file changes. A returned error is logged and does not stop the watcher.
type ReloadCallback func(newConfig *Config) error

// Watcher watches a configuration file and reloads it on change
type Watcher struct {
	path      string
	getenv    func(string) string
	fs        *fsnotify.Watcher
	debounce  time.Duration
	mu        sync.Mutex
	callbacks []ReloadCallback
	stopCh    chan struct{}
	running   bool
}

// NewWatcher creates a watcher for the config file at path
func NewWatcher(path string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		getenv:   os.Getenv,
		fs:       fs,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after every successful reload
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching in a background goroutine
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.fs.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.running = true
	go w.loop()
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	_ = w.fs.Close()
	w.running = false
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			// Editors that save via rename emit Create rather than Write.
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("[Config] Watcher error: %v", err)
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfigFromFile(w.path)
	if err != nil {
		log.Printf("[Config] Failed to reload %s: %v", w.path, err)
		return
	}
	cfg.ApplyEnv(w.getenv)
	cfg.resolveWorkDir()

	w.mu.Lock()
	cbs := append([]ReloadCallback(nil), w.callbacks...)
	w.mu.Unlock()

	log.Printf("[Config] Reloaded %s", w.path)
	for _, cb := range cbs {
		if err := cb(cfg); err != nil {
			log.Printf("[Config] Reload callback failed: %v", err)
		}
	}
}
