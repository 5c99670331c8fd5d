package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lemonade-sh/lemonade-gateway/internal/api/handlers"
	"github.com/lemonade-sh/lemonade-gateway/internal/api/middleware"
	"github.com/lemonade-sh/lemonade-gateway/internal/auth"
)

// NewRouter mounts every endpoint spec.md §6 describes under the bare
// path and under /api, /api/v0, /api/v1, /v0, /v1 aliases, gated by auth
// when an API key is configured.
func NewRouter(h *handlers.Handlers, authMW *auth.Middleware) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	if authMW != nil {
		r.Use(authMW.Handler)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   parseCORSOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	mountAPI(r, h)
	for _, prefix := range []string{"/api", "/api/v0", "/api/v1", "/v0", "/v1"} {
		r.Route(prefix, func(r chi.Router) {
			mountAPI(r, h)
		})
	}

	return r
}

// mountAPI registers the OpenAI-compatible + model-management surface
// spec.md §6 lists, shared verbatim across the bare path and every
// versioned alias.
func mountAPI(r chi.Router, h *handlers.Handlers) {
	r.Get("/health", h.Health)
	r.Get("/models", h.ListModels)
	r.Get("/models/{id}", h.GetModel)

	r.Post("/chat/completions", h.ChatCompletions)
	r.Post("/completions", h.Completions)
	r.Post("/embeddings", h.Embeddings)
	r.Post("/reranking", h.Reranking)
	r.Post("/responses", h.Responses)
	r.Post("/audio/transcriptions", h.AudioTranscriptions)
	r.Post("/audio/speech", h.AudioSpeech)
	r.Post("/images/generations", h.ImageGenerations)

	r.Post("/pull", h.Pull)
	r.Post("/load", h.Load)
	r.Post("/unload", h.Unload)
	r.Post("/delete", h.Delete)

	r.Get("/stats", h.Stats)
	r.Get("/system-info", h.SystemInfo)
	r.Get("/system-stats", h.SystemStats)
	r.Post("/log-level", h.LogLevel)
}

// parseCORSOrigins reads allowed CORS origins from the environment,
// defaulting to wildcard (open access, no credentials).
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("LEMONADE_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
