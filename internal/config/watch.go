package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/logging"
)

const DefaultDebounce = 200 * time.Millisecond

type WatchOptions struct {
	Debounce time.Duration
	Logger   logrus.FieldLogger
}

// Watch reloads the config file at path whenever it changes and passes each
// valid result to onChange. Invalid edits are logged and skipped so the
// last good config stays in effect. The directory is watched instead of the
// file so editors that replace the file by rename are still seen. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config), opts WatchOptions) error {
	log := logging.OrDiscard(opts.Logger).WithField("component", "config")
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher error")
		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				log.WithError(err).Warn("config reload rejected; keeping previous config")
				continue
			}
			log.WithField("path", target).Info("config reloaded")
			onChange(cfg)
		}
	}
}
