package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher watches a config file for changes and sends validated configs on a channel.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange chan *Config
	onError  chan error
	stop     chan struct{}
	once     sync.Once
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger.With("component", "config"),
		onChange: make(chan *Config, 1),
		onError:  make(chan error, 1),
		stop:     make(chan struct{}),
	}
}

// OnChange returns a channel that receives new valid configs.
func (w *Watcher) OnChange() <-chan *Config {
	return w.onChange
}

// OnError returns a channel that receives config parse errors.
func (w *Watcher) OnError() <-chan error {
	return w.onError
}

// Start watches until Stop is called. Must be called in a goroutine. The
// directory is watched rather than the file so that editors replacing the
// file by rename are noticed.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Info("watching config file", "path", w.path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, w.reload)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed (keeping old config)", "error", err)
		select {
		case w.onError <- err:
		default:
		}
		return
	}

	w.logger.Info("configuration reloaded", "path", w.path)
	// Keep only the newest config.
	select {
	case <-w.onChange:
	default:
	}
	select {
	case w.onChange <- cfg:
	default:
	}
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
	})
}
