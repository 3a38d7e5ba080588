package persistence

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/mcowger/simpleroutera/internal/health"
	"github.com/mcowger/simpleroutera/internal/registry"
)

// WatchConfig watches configPath's directory for writes and renames
// targeting that file, reloading and re-applying it into reg whenever one
// is observed. It watches the directory rather than the file itself so it
// survives editors that replace the file via rename instead of in-place
// write. Intended to be gated behind the CONFIG_WATCH environment flag by
// the caller; returns when ctx is cancelled or the watcher cannot start.
func WatchConfig(ctx context.Context, configPath string, reg *registry.Registry, healthCtl *health.Controller, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(configPath)

	log.Info().Str("path", configPath).Msg("watching config file for changes")
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := LoadConfig(configPath)
			if err != nil {
				log.Error().Err(err).Msg("config reload failed, keeping last good snapshot")
				continue
			}
			if err := ApplyConfig(reg, healthCtl, *cfg); err != nil {
				log.Error().Err(err).Msg("config reload rejected, keeping last good snapshot")
				continue
			}
			log.Info().Msg("config reloaded")

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(watchErr).Msg("config watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}
