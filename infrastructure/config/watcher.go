package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

// LevelWatcher follows the config file and applies logLevel changes to a
// running logger. Other settings need a restart.
type LevelWatcher struct {
	path    string
	level   zap.AtomicLevel
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewLevelWatcher watches path and its directory, the latter so editors
// that save by rename are noticed
func NewLevelWatcher(path string, level zap.AtomicLevel, logger *zap.Logger) (*LevelWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &LevelWatcher{
		path:    path,
		level:   level,
		watcher: watcher,
		logger:  logger,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching for configuration changes
func (w *LevelWatcher) Start() {
	go w.watchLoop()
	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
}

// Stop stops watching and waits for the loop to exit
func (w *LevelWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		<-w.done
	})
}

func (w *LevelWatcher) watchLoop() {
	defer close(w.done)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *LevelWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("Failed to re-read configuration", zap.Error(err))
		return
	}

	var partial struct {
		LogLevel string `yaml:"logLevel"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		w.logger.Error("Invalid configuration, keeping current log level", zap.Error(err))
		return
	}
	if partial.LogLevel == "" {
		return
	}

	next := parseLevel(partial.LogLevel)
	if prev := w.level.Level(); prev != next {
		w.level.SetLevel(next)
		w.logger.Info("Log level changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", next),
		)
	}
}
