package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mcowger/simpleroutera/internal/persistence"
)

// loadAndApply re-reads the config file and swaps it into the Registry,
// so every mutating management-API call is durable across restarts and
// visible to every request that starts after the swap (requests already
// in flight keep the snapshot they took).
func (s *Server) loadAndApply(mutate func(cfg *persistence.ConfigFile) error) (*persistence.ConfigFile, error) {
	cfg, err := persistence.LoadConfig(s.ConfigPath)
	if err != nil {
		cfg = &persistence.ConfigFile{
			Providers:        map[string]persistence.ProviderConfig{},
			VirtualProviders: map[string]persistence.VirtualProviderConfig{},
		}
	}
	if err := mutate(cfg); err != nil {
		return nil, err
	}
	if err := persistence.ApplyConfig(s.Registry, s.Health, *cfg); err != nil {
		return nil, err
	}
	if err := persistence.SaveConfig(s.ConfigPath, *cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Snapshot()
	writeJSON(w, http.StatusOK, snap.Providers)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := s.Registry.Snapshot()
	p, ok := snap.Providers[id]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such provider")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var pc persistence.ProviderConfig
	if !s.decodeAndValidate(w, r, &pc) {
		return
	}
	if pc.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}

	if _, err := s.loadAndApply(func(cfg *persistence.ConfigFile) error {
		if cfg.Providers == nil {
			cfg.Providers = map[string]persistence.ProviderConfig{}
		}
		cfg.Providers[pc.ID] = pc
		return nil
	}); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pc)
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var pc persistence.ProviderConfig
	if !s.decodeAndValidate(w, r, &pc) {
		return
	}
	pc.ID = id

	if _, err := s.loadAndApply(func(cfg *persistence.ConfigFile) error {
		if cfg.Providers == nil {
			cfg.Providers = map[string]persistence.ProviderConfig{}
		}
		cfg.Providers[id] = pc
		return nil
	}); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.loadAndApply(func(cfg *persistence.ConfigFile) error {
		delete(cfg.Providers, id)
		return nil
	}); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeAndValidate decodes r's JSON body into dst and runs struct-tag
// validation, writing an error response and returning false on failure.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON in request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
