package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mcowger/simpleroutera/internal/persistence"
)

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	cfg, err := persistence.LoadConfig(s.ConfigPath)
	if err != nil {
		writeJSON(w, http.StatusOK, []persistence.LimitConfig{})
		return
	}
	writeJSON(w, http.StatusOK, cfg.Limits)
}

// handlePutLimits replaces the entire limit set in one call: limits have
// no independent id of their own, so partial updates would require the
// caller to already know the full current set.
func (s *Server) handlePutLimits(w http.ResponseWriter, r *http.Request) {
	var limits []persistence.LimitConfig
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON in request body")
		return
	}

	if _, err := s.loadAndApply(func(cfg *persistence.ConfigFile) error {
		cfg.Limits = limits
		return nil
	}); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, limits)
}
