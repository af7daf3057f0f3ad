package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the tunable subset of the config when the file
// changes on disk. Structural settings (ports, store paths, model
// endpoints) are intentionally not reloaded; they need a restart.
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu       sync.RWMutex
	current  Tunables
	handlers []func(Tunables)
}

// NewWatcher builds a watcher seeded with the startup tunables.
func NewWatcher(path string, initial Tunables, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory: editors and configmap mounts replace the file,
	// which drops a watch registered on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		watcher: fw,
		stopCh:  make(chan struct{}),
		current: initial,
	}, nil
}

// Current returns the latest tunables snapshot.
func (w *Watcher) Current() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a callback invoked with each accepted reload.
func (w *Watcher) OnReload(fn func(Tunables)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Start begins watching until Stop is called.
func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	// Debounce: editors emit bursts of writes for a single save.
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	tun := cfg.CurrentTunables()

	w.mu.Lock()
	w.current = tun
	handlers := append([]func(Tunables){}, w.handlers...)
	w.mu.Unlock()

	w.logger.Info("config reloaded",
		zap.Float64("evidence_jaccard", tun.Grounding.EvidenceJaccard),
		zap.Int("rrf_k", tun.Retrieval.RRFK),
	)
	for _, fn := range handlers {
		fn(tun)
	}
}

// Stop ends watching.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}
