package httpapi

import (
	"net/http"

	"github.com/mcowger/simpleroutera/internal/clock"
	"github.com/mcowger/simpleroutera/internal/counterstore"
)

// usageResponse reports every scope (provider and virtual provider) the
// current snapshot knows about, windowed.
type usageResponse struct {
	Scopes map[string]counterstore.Snapshot `json:"scopes"`
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Snapshot()
	out := usageResponse{Scopes: make(map[string]counterstore.Snapshot, len(snap.Providers)+len(snap.VirtualProviders))}
	for id := range snap.Providers {
		out.Scopes[id] = s.Counters.Snapshot(id)
	}
	for id := range snap.VirtualProviders {
		out.Scopes[id] = s.Counters.Snapshot(id)
	}
	writeJSON(w, http.StatusOK, out)
}

type resetUsageRequest struct {
	ScopeID string   `json:"scope_id" validate:"required"`
	Windows []string `json:"windows"`
}

// handleResetUsage zeroes the named windows (or all three, if none are
// named) for one scope. Used by operators to clear a scope's counters
// without waiting for its natural window boundary.
func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	var req resetUsageRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	windows := clock.AllWindows[:]
	if len(req.Windows) > 0 {
		windows = make([]clock.Window, 0, len(req.Windows))
		for _, name := range req.Windows {
			windows = append(windows, clock.Window(name))
		}
	}

	s.Counters.Reset(req.ScopeID, windows)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
