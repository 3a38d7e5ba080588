// Package httpapi is the inbound HTTP surface: an OpenAI-compatible
// chat-completion endpoint (unary and SSE streaming) and a management
// API for editing the provider/virtual-provider/limit catalog and
// inspecting usage, built with chi's router and middleware chain.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/mcowger/simpleroutera/internal/counterstore"
	"github.com/mcowger/simpleroutera/internal/dispatch"
	"github.com/mcowger/simpleroutera/internal/health"
	"github.com/mcowger/simpleroutera/internal/persistence"
	"github.com/mcowger/simpleroutera/internal/registry"
)

// Server holds the live collaborators every handler needs.
type Server struct {
	Registry   *registry.Registry
	Counters   *counterstore.Store
	Health     *health.Controller
	Dispatcher *dispatch.Dispatcher
	ConfigPath string
	Log        zerolog.Logger

	validate *validator.Validate
}

// NewServer builds a Server. The returned value is ready to pass to
// NewRouter.
func NewServer(reg *registry.Registry, counters *counterstore.Store, healthCtl *health.Controller, d *dispatch.Dispatcher, configPath string, log zerolog.Logger) *Server {
	return &Server{
		Registry:   reg,
		Counters:   counters,
		Health:     healthCtl,
		Dispatcher: d,
		ConfigPath: configPath,
		Log:        log,
		validate:   validator.New(),
	}
}

// NewRouter builds the full chi router: middleware chain, CORS, the
// chat-completion surface, the management API, and health endpoints.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(s.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Provider-ID"},
		ExposedHeaders:   []string{"X-Dispatch-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Post("/v1/chat/completions", s.handleChatCompletion)
	r.Post("/{providerID}/v1/chat/completions", s.handleChatCompletion)

	r.Route("/api", func(r chi.Router) {
		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.handleListProviders)
			r.Post("/", s.handleCreateProvider)
			r.Get("/{id}", s.handleGetProvider)
			r.Put("/{id}", s.handleUpdateProvider)
			r.Delete("/{id}", s.handleDeleteProvider)
		})
		r.Get("/usage", s.handleGetUsage)
		r.Post("/usage/reset", s.handleResetUsage)
		r.Route("/limits", func(r chi.Router) {
			r.Get("/", s.handleGetLimits)
			r.Put("/", s.handlePutLimits)
		})
		r.Post("/system/restart", s.handleSystemRestart)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "endpoint not found")
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz reports healthy only once at least one enabled provider
// exists in the current snapshot, so orchestrators don't route traffic
// to a process that booted with an empty or fully-broken catalog.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.Snapshot()
	for _, p := range snap.Providers {
		if p.Enabled {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ready"}`))
			return
		}
	}
	writeJSONError(w, http.StatusServiceUnavailable, "not_ready", "no enabled providers configured")
}

func (s *Server) handleSystemRestart(w http.ResponseWriter, r *http.Request) {
	cfg, err := persistence.LoadConfig(s.ConfigPath)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	if err := persistence.ApplyConfig(s.Registry, s.Health, *cfg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "reload_rejected", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"reloaded"}`))
}

// zerologMiddleware logs each request's method, path, status, and
// duration once the handler chain finishes.
func zerologMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request handled")
		})
	}
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, errType, message string) {
	var env errorEnvelope
	env.Error.Type = errType
	env.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
