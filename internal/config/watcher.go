package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the configuration snapshot whenever the config file changes,
// so a long-running server picks up edited defaults without a restart.
// Returns a stop function. If the config file does not exist yet there is
// nothing to watch and Watch is a no-op.
func Watch(logger *logrus.Logger) (func(), error) {
	path := FilePath()
	if path == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	// watcher.Add can block on some filesystems; bound it
	done := make(chan error, 1)
	go func() {
		done <- watcher.Add(path)
	}()

	select {
	case err := <-done:
		if err != nil {
			// Missing config file means defaults-only operation
			_ = watcher.Close()
			logger.WithError(err).Debug("Config file not watchable, hot reload disabled")
			return func() {}, nil
		}
	case <-time.After(5 * time.Second):
		_ = watcher.Close()
		return nil, fmt.Errorf("timeout adding config file to watcher")
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					logger.Debug("Config file changed, reloading")
					if _, err := Load(); err != nil {
						logger.WithError(err).Error("Failed to reload config, keeping previous settings")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Error("Config file watcher error")
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
