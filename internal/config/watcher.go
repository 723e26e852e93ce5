package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Tunables are the settings that may change at runtime without a restart.
type Tunables struct {
	PoolSize       int
	FlushDebounce  time.Duration
	MaxBufferBytes int
}

// Watcher hot-reloads tunables when the config file changes on disk.
type Watcher struct {
	mu       sync.RWMutex
	current  Tunables
	path     string
	logger   *zap.Logger
	fsw      *fsnotify.Watcher
	onChange func(Tunables)
	stopCh   chan struct{}
}

// NewWatcher starts watching path. onChange may be nil.
func NewWatcher(path string, initial Tunables, onChange func(Tunables), logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		current:  initial,
		path:     path,
		logger:   logger,
		fsw:      fsw,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
	if err := fsw.Add(path); err != nil {
		// A missing file is fine; there is nothing to watch.
		logger.Debug("config watch unavailable", zap.String("path", path), zap.Error(err))
		fsw.Close()
		w.fsw = nil
		return w, nil
	}
	go w.loop()
	return w, nil
}

// Current returns the latest tunables.
func (w *Watcher) Current() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) loop() {
	// Editors often fire several events per save; coalesce them.
	var pending <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Warn("config reload failed", zap.Error(err))
		return
	}
	next := Tunables{
		PoolSize:       cfg.Sandbox.PoolSize,
		FlushDebounce:  cfg.Sandbox.FlushDebounce,
		MaxBufferBytes: cfg.Sandbox.MaxBufferBytes,
	}
	w.mu.Lock()
	changed := next != w.current
	w.current = next
	w.mu.Unlock()
	if changed {
		w.logger.Info("config tunables reloaded",
			zap.Int("pool_size", next.PoolSize),
			zap.Duration("flush_debounce", next.FlushDebounce))
		if w.onChange != nil {
			w.onChange(next)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
