package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file when it changes on disk and hands the
// new configuration to a callback. Invalid files are logged and ignored so
// a bad edit never replaces a working configuration.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for path. Start must be called to begin watching.
func NewWatcher(path string, onChange func(*Config), logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}, nil
}

// Start watches the directory containing the config file. Editors often
// replace files by rename, so the parent directory is watched rather than
// the file itself.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return fmt.Errorf("watcher already started")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw
	w.done = make(chan struct{})

	go w.loop(ctx, fw, w.done)
	return nil
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fw, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()
	if fw == nil {
		return nil
	}
	err := fw.Close()
	<-done
	return err
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			cfg, err := LoadWithFile(w.path)
			if err != nil {
				w.logger.Warn("ignoring invalid config change", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.String("path", w.path))
			w.onChange(cfg)
		}
	}
}
