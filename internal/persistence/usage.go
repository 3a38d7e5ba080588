package persistence

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcowger/simpleroutera/internal/counterstore"
)

// LoadUsageSnapshot reads a previously persisted Counter Store export.
// Corruption is tolerated by the caller: a parse error here is returned
// so the caller can log it and start the Counter Store empty.
func LoadUsageSnapshot(path string) ([]counterstore.ExportedScope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var scopes []counterstore.ExportedScope
	if err := json.Unmarshal(data, &scopes); err != nil {
		return nil, err
	}
	return scopes, nil
}

// SaveUsageSnapshot writes store's current export to path via
// write-temp-then-rename.
func SaveUsageSnapshot(path string, store *counterstore.Store) error {
	data, err := json.Marshal(store.Export())
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// RunUsagePersistenceLoop periodically snapshots store to path every
// interval until ctx is cancelled. Modeled on the ticker-plus-ctx.Done
// background-worker shape used throughout the example corpus.
func RunUsagePersistenceLoop(ctx context.Context, store *counterstore.Store, path string, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("usage persistence loop started")
	for {
		select {
		case <-ticker.C:
			if err := SaveUsageSnapshot(path, store); err != nil {
				log.Error().Err(err).Msg("failed to persist usage snapshot")
			}
		case <-ctx.Done():
			log.Info().Msg("usage persistence loop stopping")
			return
		}
	}
}
