// Package persistence is the Persistence Bridge: it owns the on-disk
// domain configuration file and the usage snapshot file, both written
// via write-temp-then-rename, and applies loaded configuration into a
// live Registry.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcowger/simpleroutera/internal/clock"
	"github.com/mcowger/simpleroutera/internal/health"
	"github.com/mcowger/simpleroutera/internal/limiteval"
	"github.com/mcowger/simpleroutera/internal/registry"
)

// ProviderConfig is a Provider's on-disk representation.
type ProviderConfig struct {
	ID      string        `json:"id" validate:"required"`
	Name    string        `json:"name" validate:"required"`
	Kind    registry.Kind `json:"kind" validate:"required,oneof=http local"`
	Enabled bool          `json:"enabled"`

	BaseURL        string            `json:"base_url,omitempty"`
	AuthHeader     string            `json:"auth_header,omitempty"`
	ExtraHeaders   map[string]string `json:"extra_headers,omitempty"`
	RequestTimeout string            `json:"request_timeout,omitempty"`
	RetryCount     int               `json:"retry_count,omitempty"`
	HealthCheckURL string            `json:"health_check_url,omitempty"`

	Executable     string   `json:"executable,omitempty"`
	Args           []string `json:"args,omitempty"`
	WorkingDir     string   `json:"working_dir,omitempty"`
	ProcessTimeout string   `json:"process_timeout,omitempty"`
	MaxConcurrent  int      `json:"max_concurrent,omitempty"`

	Cost     registry.CostCatalog `json:"cost"`
	Cooldown CooldownConfig       `json:"cooldown"`
}

// CooldownConfig is a provider's on-disk cooldown policy.
type CooldownConfig struct {
	FailureThreshold int    `json:"failure_threshold"`
	Strategy         string `json:"strategy"` // "fixed" | "exponential"
	FixedDuration    string `json:"fixed_duration,omitempty"`
	Base             string `json:"base,omitempty"`
	Cap              string `json:"cap,omitempty"`
}

// VirtualProviderConfig is a VirtualProvider's on-disk representation.
type VirtualProviderConfig struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Members []MemberConfig   `json:"members"`
}

// MemberConfig is one virtual-provider member entry.
type MemberConfig struct {
	ProviderID string `json:"provider_id"`
	Priority   int    `json:"priority"`
}

// LimitConfig is one limit's on-disk representation. Metric "cost" is a
// persistence-layer convenience: it carries MaxCost (currency) instead of
// Threshold, and is converted into a derived total-tokens threshold by
// ApplyConfig at load time rather than being understood by the evaluator.
// Only cost limits whose ScopeID names a base provider are converted; a
// cost limit on a virtual provider is not applied.
type LimitConfig struct {
	ScopeID   string             `json:"scope_id"`
	Window    clock.Window       `json:"window"`
	Metric    string             `json:"metric"`
	Threshold int64              `json:"threshold,omitempty"`
	MaxCost   float64            `json:"max_cost,omitempty"`
	Severity  limiteval.Severity `json:"severity"`
}

// ConfigFile is the full on-disk domain configuration: three top-level
// keys, matching the external-interfaces section's persisted layout.
type ConfigFile struct {
	Providers        map[string]ProviderConfig        `json:"providers"`
	VirtualProviders map[string]VirtualProviderConfig  `json:"virtual_providers"`
	Limits           []LimitConfig                     `json:"limits"`
}

// LoadConfig reads and parses the config file at path. A missing file is
// reported as os.ErrNotExist so a caller can distinguish "never written
// yet" from "corrupt" (a parse error); the callers in this module treat
// both as non-fatal.
func LoadConfig(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path: a `.bak` sibling is written first (best
// effort, from whatever currently exists at path), then the new content
// is written via write-temp-then-rename for atomicity.
func SaveConfig(path string, cfg ConfigFile) error {
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o644)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// ApplyConfig converts cfg into a live Registry snapshot: resolving
// limits onto their owning provider or virtual provider, converting cost
// limits into derived token thresholds, validating virtual-provider
// membership, registering each provider's cooldown policy with the
// Health Controller, and swapping the Registry. The Registry is left
// untouched if validation fails, preserving the last good snapshot.
func ApplyConfig(reg *registry.Registry, healthCtl *health.Controller, cfg ConfigFile) error {
	providers := make(map[string]registry.Provider, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		providers[id] = registry.Provider{
			ID: pc.ID, Name: pc.Name, Kind: pc.Kind, Enabled: pc.Enabled,
			BaseURL: pc.BaseURL, AuthHeader: pc.AuthHeader, ExtraHeaders: pc.ExtraHeaders,
			RequestTimeout: pc.RequestTimeout, RetryCount: pc.RetryCount, HealthCheckURL: pc.HealthCheckURL,
			Executable: pc.Executable, Args: pc.Args, WorkingDir: pc.WorkingDir,
			ProcessTimeout: pc.ProcessTimeout, MaxConcurrent: pc.MaxConcurrent,
			Cost:     pc.Cost,
			Cooldown: cooldownPolicy(pc.Cooldown),
		}
	}

	virtuals := make(map[string]registry.VirtualProvider, len(cfg.VirtualProviders))
	for id, vc := range cfg.VirtualProviders {
		members := make([]registry.Member, 0, len(vc.Members))
		for _, m := range vc.Members {
			members = append(members, registry.Member{ProviderID: m.ProviderID, Priority: m.Priority})
		}
		virtuals[id] = registry.VirtualProvider{ID: vc.ID, Name: vc.Name, Members: members}
	}

	costLimitsByProvider := make(map[string][]registry.CostLimit)
	for _, lc := range cfg.Limits {
		if lc.Metric == "cost" {
			costLimitsByProvider[lc.ScopeID] = append(costLimitsByProvider[lc.ScopeID], registry.CostLimit{
				Window: lc.Window, MaxCost: lc.MaxCost, Severity: lc.Severity,
			})
			continue
		}
		limit := limiteval.Limit{Window: lc.Window, Metric: limiteval.Metric(lc.Metric), Threshold: lc.Threshold, Severity: lc.Severity}
		if p, ok := providers[lc.ScopeID]; ok {
			p.Limits = append(p.Limits, limit)
			providers[lc.ScopeID] = p
		} else if v, ok := virtuals[lc.ScopeID]; ok {
			v.Limits = append(v.Limits, limit)
			virtuals[lc.ScopeID] = v
		}
	}

	if err := registry.Validate(providers, virtuals); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	registry.ApplyDerivedCostLimits(providers, costLimitsByProvider)
	for id, p := range providers {
		healthCtl.Register(id, toHealthPolicy(p.Cooldown))
	}
	reg.Swap(providers, virtuals)
	return nil
}

func toHealthPolicy(c registry.CooldownPolicy) health.Policy {
	p := health.Policy{FailureThreshold: c.FailureThreshold, Strategy: c.Strategy}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 3
	}
	p.FixedDuration = parseDurationOr(c.FixedDuration, 30*time.Second)
	p.Base = parseDurationOr(c.Base, time.Second)
	p.Cap = parseDurationOr(c.Cap, 60*time.Second)
	return p
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func cooldownPolicy(c CooldownConfig) registry.CooldownPolicy {
	policy := registry.CooldownPolicy{FailureThreshold: c.FailureThreshold, FixedDuration: c.FixedDuration, Base: c.Base, Cap: c.Cap}
	if c.Strategy == "exponential" {
		policy.Strategy = health.Exponential
	} else {
		policy.Strategy = health.Fixed
	}
	return policy
}
