package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcowger/simpleroutera/internal/clock"
	"github.com/mcowger/simpleroutera/internal/config"
	"github.com/mcowger/simpleroutera/internal/counterstore"
	"github.com/mcowger/simpleroutera/internal/dispatch"
	"github.com/mcowger/simpleroutera/internal/health"
	"github.com/mcowger/simpleroutera/internal/httpapi"
	"github.com/mcowger/simpleroutera/internal/logging"
	"github.com/mcowger/simpleroutera/internal/persistence"
	"github.com/mcowger/simpleroutera/internal/registry"
	"github.com/mcowger/simpleroutera/internal/routing"

	"github.com/rs/zerolog"
)

const routeCacheSize = 1024

func main() {
	cfg, err := config.New()
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(logging.Options{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		FilePath: os.Getenv("LOG_FILE"),
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("data_dir", cfg.DataDir).Msg("failed to create data directory")
	}

	sysClock := clock.System{}
	counters := counterstore.New(sysClock)
	healthCtl := health.NewController(sysClock.Now)
	reg := registry.New()

	loadInitialState(cfg, reg, healthCtl, counters, log)

	router := routing.New(counters, healthCtl, routeCacheSize)
	dispatcher := dispatch.New(reg, router, counters, healthCtl, &http.Client{})
	dispatcher.Log = log

	server := httpapi.NewServer(reg, counters, healthCtl, dispatcher, cfg.ConfigPath(), log)
	handler := httpapi.NewRouter(server)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go persistence.RunUsagePersistenceLoop(ctx, counters, cfg.UsageSnapshotPath(), 5*time.Minute, log)
	go persistence.RunHealthProbeLoop(ctx, reg, healthCtl, &http.Client{}, cfg.HealthProbeInterval, log)

	if cfg.ConfigWatch {
		go func() {
			if err := persistence.WatchConfig(ctx, cfg.ConfigPath(), reg, healthCtl, log); err != nil {
				log.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
		if err := persistence.SaveUsageSnapshot(cfg.UsageSnapshotPath(), counters); err != nil {
			log.Error().Err(err).Msg("final usage snapshot failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("routerproxy starting")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("routerproxy stopped")
}

// loadInitialState boots the Registry and Counter Store from whatever
// persisted state exists in DataDir. A missing or corrupt file is
// tolerated: the process starts with an empty catalog / empty counters
// rather than failing to boot, per the persistence layer's design.
func loadInitialState(cfg *config.Config, reg *registry.Registry, healthCtl *health.Controller, counters *counterstore.Store, log zerolog.Logger) {
	if domainCfg, err := persistence.LoadConfig(cfg.ConfigPath()); err != nil {
		log.Warn().Err(err).Str("path", cfg.ConfigPath()).Msg("no usable domain configuration found, starting with an empty catalog")
	} else if err := persistence.ApplyConfig(reg, healthCtl, *domainCfg); err != nil {
		log.Error().Err(err).Msg("persisted domain configuration failed validation, starting with an empty catalog")
	}

	if scopes, err := persistence.LoadUsageSnapshot(cfg.UsageSnapshotPath()); err != nil {
		log.Warn().Err(err).Str("path", cfg.UsageSnapshotPath()).Msg("no usable usage snapshot found, starting counters empty")
	} else {
		counters.Import(scopes)
	}
}
