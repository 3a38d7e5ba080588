package persistence

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcowger/simpleroutera/internal/health"
	"github.com/mcowger/simpleroutera/internal/registry"
)

// RunHealthProbeLoop issues out-of-band liveness checks on a fixed
// interval, independent of the pass/fail signal request traffic already
// feeds into healthCtl via ReportSuccess/ReportFailure. A provider that
// receives no traffic (fully cooled down, or simply idle) still gets its
// state corrected once its HealthCheckURL starts answering again.
//
// An HTTP-kind provider with no HealthCheckURL configured is skipped: it
// has no defined liveness endpoint distinct from just trying a real
// request. A local-kind provider is skipped outright, since the process
// adapter has no wire protocol to speak to yet.
func RunHealthProbeLoop(ctx context.Context, reg *registry.Registry, healthCtl *health.Controller, client *http.Client, interval time.Duration, log zerolog.Logger) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("health probe loop started")
	for {
		select {
		case <-ticker.C:
			probeAll(ctx, reg, healthCtl, client, log)
		case <-ctx.Done():
			log.Info().Msg("health probe loop stopping")
			return
		}
	}
}

func probeAll(ctx context.Context, reg *registry.Registry, healthCtl *health.Controller, client *http.Client, log zerolog.Logger) {
	snap := reg.Snapshot()
	for _, p := range snap.Providers {
		if !p.Enabled || p.Kind != registry.KindHTTP || p.HealthCheckURL == "" {
			continue
		}
		ok, detail := probeOne(ctx, client, p.HealthCheckURL)
		healthCtl.Probe(p.ID, ok, detail)
		if !ok {
			log.Warn().Str("provider_id", p.ID).Str("detail", detail).Msg("health probe failed")
		}
	}
}

func probeOne(ctx context.Context, client *http.Client, url string) (ok bool, detail string) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Sprintf("building probe request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("probe request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return true, ""
	}
	return false, fmt.Sprintf("probe returned status %d", resp.StatusCode)
}
