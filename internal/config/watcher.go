package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/stacklok-labs/mcpgatewayd/internal/logger"
)

// Watcher watches a config file on disk and delivers freshly-loaded and
// validated snapshots to Changes. It satisfies the configuration watcher
// collaborator contract: it never decides whether a snapshot is installed,
// it only delivers candidates.
type Watcher struct {
	loader    *YAMLLoader
	validator *Validator
	changes   chan *Config
}

// NewWatcher builds a Watcher for the given loader/validator pair.
func NewWatcher(loader *YAMLLoader, validator *Validator) *Watcher {
	return &Watcher{
		loader:    loader,
		validator: validator,
		changes:   make(chan *Config, 1),
	}
}

// Changes returns the channel new validated snapshots are delivered on.
func (w *Watcher) Changes() <-chan *Config { return w.changes }

// Run watches path until ctx is canceled, pushing a new snapshot onto
// Changes() whenever the file is written and re-validates successfully.
func (w *Watcher) Run(ctx context.Context, path string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := w.loader.Load()
			if err != nil {
				logger.Warnf("config watcher: reload of %s failed: %v", path, err)
				continue
			}
			if err := w.validator.Validate(cfg); err != nil {
				logger.Warnf("config watcher: validation of %s failed: %v", path, err)
				continue
			}
			select {
			case w.changes <- cfg:
			default:
				// Drop the superseded snapshot; only the latest matters.
				select {
				case <-w.changes:
				default:
				}
				w.changes <- cfg
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("config watcher: %v", err)
		}
	}
}
