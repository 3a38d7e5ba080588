// Package registry holds the read-mostly catalog of providers, virtual
// providers, and limits behind a single atomically-replaced snapshot, so
// a request observes one coherent configuration for its entire lifetime.
package registry

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/mcowger/simpleroutera/internal/clock"
	"github.com/mcowger/simpleroutera/internal/health"
	"github.com/mcowger/simpleroutera/internal/limiteval"
)

// Kind distinguishes the two provider transports.
type Kind string

const (
	KindHTTP  Kind = "http"
	KindLocal Kind = "local"
)

// CostCatalog prices a provider's token usage.
type CostCatalog struct {
	Currency               string
	PricePerMillionInput   float64
	PricePerMillionOutput  float64
}

// CooldownPolicy configures the Health Controller for one provider.
type CooldownPolicy struct {
	FailureThreshold int
	Strategy         health.StrategyKind
	FixedDuration    string // duration string, parsed at config-apply time
	Base             string
	Cap              string
}

// Provider is a single upstream endpoint, HTTP or local-process backed.
type Provider struct {
	ID      string
	Name    string
	Kind    Kind
	Enabled bool

	// HTTP variant.
	BaseURL        string
	AuthHeader     string
	ExtraHeaders   map[string]string
	RequestTimeout string
	RetryCount     int
	HealthCheckURL string

	// Local variant.
	Executable    string
	Args          []string
	WorkingDir    string
	ProcessTimeout string
	MaxConcurrent int

	Cost     CostCatalog
	Cooldown CooldownPolicy

	Limits []limiteval.Limit

	// DerivedTokenLimits holds cost-based limits converted at config-apply
	// time into total-token thresholds via ceiling division against the
	// blended per-token price, per the resolved cost-limit open question.
	DerivedTokenLimits []limiteval.Limit
}

// Member is one (provider, priority) entry in a virtual provider's
// ordered fallback list. Lower priority sorts first.
type Member struct {
	ProviderID string
	Priority   int
}

// VirtualProvider fans a request out across its members in priority
// order, with its own independent limit set and counters.
type VirtualProvider struct {
	ID      string
	Name    string
	Members []Member
	Limits  []limiteval.Limit
}

// Snapshot is one immutable, fully-resolved catalog.
type Snapshot struct {
	Generation       uint64
	Providers        map[string]Provider
	VirtualProviders map[string]VirtualProvider
}

func (s *Snapshot) providerLimits(providerID string) []limiteval.Limit {
	p, ok := s.Providers[providerID]
	if !ok {
		return nil
	}
	return append(append([]limiteval.Limit{}, p.Limits...), p.DerivedTokenLimits...)
}

// LimitsForScope resolves the limit set for a base-provider or
// virtual-provider scope id.
func (s *Snapshot) LimitsForScope(scopeID string) []limiteval.Limit {
	if v, ok := s.VirtualProviders[scopeID]; ok {
		return v.Limits
	}
	return s.providerLimits(scopeID)
}

// Registry owns the live Snapshot, exposed through an atomic pointer so a
// reader taken once at dispatch start observes a single coherent view for
// the request's lifetime regardless of concurrent reconfiguration.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// New creates a Registry seeded with an empty catalog (generation 0), the
// "first boot" state the Persistence Bridge falls back to on a corrupt or
// missing config file.
func New() *Registry {
	r := &Registry{}
	r.current.Store(&Snapshot{
		Generation:       0,
		Providers:        map[string]Provider{},
		VirtualProviders: map[string]VirtualProvider{},
	})
	return r
}

// Snapshot returns the currently live catalog. Callers should take this
// once per request and use that value exclusively, never re-reading it
// mid-request.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Swap atomically replaces the live catalog, incrementing the generation
// counter so caches keyed on it implicitly invalidate.
func (r *Registry) Swap(providers map[string]Provider, virtuals map[string]VirtualProvider) *Snapshot {
	prev := r.current.Load()
	next := &Snapshot{
		Generation:       prev.Generation + 1,
		Providers:        providers,
		VirtualProviders: virtuals,
	}
	r.current.Store(next)
	return next
}

// ApplyDerivedCostLimits converts each provider's cost limits (spending
// caps in currency) into total-tokens thresholds, using ceiling division
// against the provider's blended per-token price (the average of input
// and output price per token). A provider whose blended price is zero
// gets no derived limits. Only base-provider ids are looked up in
// costLimitsByProvider; cost limits keyed by any other scope id are not
// converted. This resolves the
// distilled spec's open question on cost-based limits without silently
// guessing: the conversion happens once, at config-apply time, and the
// evaluator never sees a cost metric directly.
func ApplyDerivedCostLimits(providers map[string]Provider, costLimitsByProvider map[string][]CostLimit) {
	for id, p := range providers {
		costLimits := costLimitsByProvider[id]
		if len(costLimits) == 0 {
			continue
		}
		blended := blendedPricePerToken(p.Cost)
		if blended <= 0 {
			continue
		}
		derived := make([]limiteval.Limit, 0, len(costLimits))
		for _, cl := range costLimits {
			tokens := int64(math.Ceil(cl.MaxCost / blended))
			derived = append(derived, limiteval.Limit{
				Window:    cl.Window,
				Metric:    limiteval.MetricTotalTokens,
				Threshold: tokens,
				Severity:  cl.Severity,
			})
		}
		p.DerivedTokenLimits = derived
		providers[id] = p
	}
}

// CostLimit is a spending cap expressed in currency, prior to conversion
// into a derived token threshold.
type CostLimit struct {
	Window   clock.Window
	MaxCost  float64
	Severity limiteval.Severity
}

func blendedPricePerToken(c CostCatalog) float64 {
	if c.PricePerMillionInput <= 0 && c.PricePerMillionOutput <= 0 {
		return 0
	}
	return (c.PricePerMillionInput + c.PricePerMillionOutput) / 2 / 1_000_000
}

// OrderedMembers returns a copy of a virtual provider's members in priority
// order (ascending: lower number first), ties broken by provider id.
func (v VirtualProvider) OrderedMembers() []Member {
	out := append([]Member{}, v.Members...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b Member) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ProviderID < b.ProviderID
}

// Validate reports a configuration error if a virtual provider names
// fewer than two distinct members or references an unknown provider id.
func Validate(providers map[string]Provider, virtuals map[string]VirtualProvider) error {
	for id, v := range virtuals {
		if len(v.Members) < 2 {
			return fmt.Errorf("virtual provider %q requires at least two members, got %d", id, len(v.Members))
		}
		seen := make(map[string]bool, len(v.Members))
		for _, m := range v.Members {
			if seen[m.ProviderID] {
				return fmt.Errorf("virtual provider %q lists member %q more than once", id, m.ProviderID)
			}
			seen[m.ProviderID] = true
			if _, ok := providers[m.ProviderID]; !ok {
				return fmt.Errorf("virtual provider %q references unknown provider %q", id, m.ProviderID)
			}
		}
	}
	return nil
}
