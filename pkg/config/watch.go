package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ocupoint/iqscope/pkg/control"
)

// Watch reloads path whenever it is written and posts the control keys that
// changed since the previous load. It returns when ctx is done. The parent
// directory is watched so editors that replace the file are noticed too.
func Watch(ctx context.Context, path string, initial Config, updates *control.Updates, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	current := ControlValues(initial)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				logger.Warnw("config reload failed, keeping previous settings", "path", abs, "error", err)
				continue
			}
			next := ControlValues(cfg)
			changed := Diff(current, next)
			current = next
			if len(changed) == 0 {
				continue
			}
			gen := updates.SetMany(changed)
			logger.Infow("config reloaded", "path", abs, "changed", len(changed), "generation", gen)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnw("config watcher error", "error", err)
		}
	}
}
