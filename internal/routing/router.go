// Package routing implements the Router: resolving one inbound request to
// an ordered, non-empty sequence of eligible base-provider candidates.
package routing

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mcowger/simpleroutera/internal/counterstore"
	"github.com/mcowger/simpleroutera/internal/health"
	"github.com/mcowger/simpleroutera/internal/limiteval"
	"github.com/mcowger/simpleroutera/internal/registry"
	"github.com/mcowger/simpleroutera/internal/routeerr"
)

// Candidate is one base provider to try, along with every scope a
// successful attempt against it must credit.
type Candidate struct {
	ProviderID string
	ScopeIDs   []string // [providerID] for direct access, [virtualID, providerID] via a virtual provider
}

// Plan is an ordered, non-empty sequence of candidates to try in turn.
type Plan struct {
	Candidates []Candidate
	ViaVirtual string // empty unless resolved through a virtual provider
}

// Request is what the Router needs to resolve a RoutingPlan.
type Request struct {
	ExplicitProviderID string // from X-Provider-ID or a path-prefix selector
	Model              string
}

type resolutionKind int

const (
	resolutionUnknown resolutionKind = iota
	resolutionDirect
	resolutionVirtual
)

type resolution struct {
	kind           resolutionKind
	providerID     string
	virtualID      string
	orderedMembers []registry.Member
}

type cacheKey struct {
	generation uint64
	selector   string
}

// Router resolves requests against a Registry snapshot, consulting the
// Counter Store and Health Controller for eligibility. The structural
// part of resolution (model -> provider-or-virtual, member ordering) is
// cached per (generation, selector); eligibility is always re-evaluated
// live since health and counters change between requests.
type Router struct {
	counters *counterstore.Store
	health   *health.Controller
	cache    *lru.Cache[cacheKey, resolution]
}

// New builds a Router. cacheSize bounds the resolution cache's entry
// count; 0 disables caching.
func New(counters *counterstore.Store, healthCtl *health.Controller, cacheSize int) *Router {
	r := &Router{counters: counters, health: healthCtl}
	if cacheSize > 0 {
		c, err := lru.New[cacheKey, resolution](cacheSize)
		if err == nil {
			r.cache = c
		}
	}
	return r
}

func (r *Router) resolve(snap *registry.Snapshot, selector string) resolution {
	key := cacheKey{generation: snap.Generation, selector: selector}
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			return cached
		}
	}

	var res resolution
	if p, ok := snap.Providers[selector]; ok {
		res = resolution{kind: resolutionDirect, providerID: p.ID}
	} else if v, ok := snap.VirtualProviders[selector]; ok {
		res = resolution{kind: resolutionVirtual, virtualID: v.ID, orderedMembers: v.OrderedMembers()}
	} else {
		res = resolution{kind: resolutionUnknown}
	}

	if r.cache != nil {
		r.cache.Add(key, res)
	}
	return res
}

// Route resolves req against snap, returning a non-empty Plan or a
// routeerr.Error with code NoProviderAvailable.
func (r *Router) Route(snap *registry.Snapshot, req Request) (*Plan, error) {
	if req.ExplicitProviderID != "" {
		return r.routeDirect(snap, req.ExplicitProviderID)
	}

	res := r.resolve(snap, req.Model)
	switch res.kind {
	case resolutionDirect:
		return r.routeDirect(snap, res.providerID)
	case resolutionVirtual:
		return r.routeVirtual(snap, res)
	default:
		return nil, routeerr.New(routeerr.NoProviderAvailable, "no provider or virtual provider matches the request", nil).
			WithDetail("selector", req.Model)
	}
}

func (r *Router) routeDirect(snap *registry.Snapshot, providerID string) (*Plan, error) {
	p, ok := snap.Providers[providerID]
	if !ok || !p.Enabled {
		return nil, routeerr.New(routeerr.NoProviderAvailable, "provider not found or disabled", nil).
			WithDetail("provider_id", providerID)
	}
	scopes := []string{providerID}
	if !r.isEligible(snap, providerID, scopes) {
		return nil, routeerr.New(routeerr.NoProviderAvailable, "provider is not currently eligible", nil).
			WithDetail("provider_id", providerID)
	}
	return &Plan{Candidates: []Candidate{{ProviderID: providerID, ScopeIDs: scopes}}}, nil
}

func (r *Router) routeVirtual(snap *registry.Snapshot, res resolution) (*Plan, error) {
	var candidates []Candidate
	for _, m := range res.orderedMembers {
		p, ok := snap.Providers[m.ProviderID]
		if !ok || !p.Enabled {
			continue
		}
		scopes := []string{res.virtualID, m.ProviderID}
		if !r.isEligible(snap, m.ProviderID, scopes) {
			continue
		}
		candidates = append(candidates, Candidate{ProviderID: m.ProviderID, ScopeIDs: scopes})
	}
	if len(candidates) == 0 {
		return nil, routeerr.New(routeerr.NoProviderAvailable, "no eligible member in virtual provider", nil).
			WithDetail("virtual_provider_id", res.virtualID)
	}
	return &Plan{Candidates: candidates, ViaVirtual: res.virtualID}, nil
}

// isEligible checks provider health and, for every scope the attempt
// would charge, that no hard limit is currently breached.
func (r *Router) isEligible(snap *registry.Snapshot, providerID string, scopeIDs []string) bool {
	if !r.health.IsEligible(providerID) {
		return false
	}
	for _, scopeID := range scopeIDs {
		limits := snap.LimitsForScope(scopeID)
		if len(limits) == 0 {
			continue
		}
		counts := toLimitCounts(r.counters.Snapshot(scopeID))
		if limiteval.Evaluate(counts, limits).Kind == limiteval.Deny {
			return false
		}
	}
	return true
}

func toLimitCounts(snap counterstore.Snapshot) limiteval.Counts {
	out := make(limiteval.Counts, len(snap))
	for w, b := range snap {
		out[w] = limiteval.WindowCounts{Requests: b.Requests, InputTokens: b.InputTokens, OutputTokens: b.OutputTokens}
	}
	return out
}
