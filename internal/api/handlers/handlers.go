// Package handlers implements the HTTP surface described in spec.md §6:
// an OpenAI-compatible inference API plus model-management endpoints,
// all backed by the gateway/catalog/hardware packages.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lemonade-sh/lemonade-gateway/internal/config"
	"github.com/lemonade-sh/lemonade-gateway/internal/gateway"
	"github.com/lemonade-sh/lemonade-gateway/internal/hardware"
	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

// Catalog is the narrow view handlers need (internal/catalog.Catalog satisfies it).
type Catalog interface {
	List(showAll bool) map[string]*models.ModelEntry
	Get(name string) (*models.ModelEntry, error)
	SaveOptions(name string, opts map[string]models.RecipeOption) error
	RemoveFromCache(name string)
}

// Handlers wires the gateway, catalog, and hardware views into the
// HTTP surface spec.md §6 describes.
type Handlers struct {
	Gateway *gateway.Gateway
	Catalog Catalog
	Prober  *hardware.Prober
	Live    *hardware.LiveSampler
	Config  *config.Config
}

func New(gw *gateway.Gateway, cat Catalog, prober *hardware.Prober, live *hardware.LiveSampler, cfg *config.Config) *Handlers {
	return &Handlers{Gateway: gw, Catalog: cat, Prober: prober, Live: live, Config: cfg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apierr.ToEnvelope(err))
}

func readBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, apierr.InvalidRequest("malformed request body: %v", err)
	}
	return raw, nil
}

func modelFromBody(raw json.RawMessage) (string, error) {
	var m struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", apierr.InvalidRequest("malformed request body: %v", err)
	}
	if m.Model == "" {
		return "", apierr.InvalidRequest("missing required field \"model\"")
	}
	return m.Model, nil
}

func wantsStream(raw json.RawMessage) bool {
	var s struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(raw, &s)
	return s.Stream
}

// requireType 404s on an unknown model and 400s when its catalog type
// doesn't match what the endpoint serves (spec.md §6: "requires an
// EMBEDDING-type model", etc).
func (h *Handlers) requireType(model string, want models.ModelType) error {
	entry, err := h.Catalog.Get(model)
	if err != nil {
		return err
	}
	if entry.Type != want {
		return apierr.InvalidRequest("model %q is type %s, this endpoint requires %s", model, entry.Type, want)
	}
	return nil
}

// ── GET /health ──────────────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	loaded := h.Gateway.LoadedModels()
	perType := h.Config.MaxPerType

	resp := map[string]any{
		"status":            "ok",
		"version":           h.Config.Version,
		"model_loaded":      h.Gateway.LoadedModel(),
		"all_models_loaded": loaded,
		"max_models": map[string]int{
			"llm":        perType,
			"embedding":  perType,
			"reranking":  perType,
			"audio":      perType,
			"image":      perType,
		},
		"log_streaming": map[string]bool{
			"sse":       true,
			"websocket": false,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── GET /models, GET /models/{id} ───────────────────────────────────

type modelListEntry struct {
	ID            string                              `json:"id"`
	Object        string                              `json:"object"`
	Created       int64                               `json:"created"`
	OwnedBy       string                              `json:"owned_by"`
	Checkpoint    string                              `json:"checkpoint"`
	Recipe        models.Recipe                        `json:"recipe"`
	Downloaded    bool                                `json:"downloaded"`
	Suggested     bool                                `json:"suggested"`
	Labels        []string                            `json:"labels,omitempty"`
	RecipeOptions map[string]models.RecipeOption       `json:"recipe_options,omitempty"`
	SizeGB        float64                              `json:"size,omitempty"`
	ImageDefaults *models.ImageDefaults                `json:"image_defaults,omitempty"`
}

func toListEntry(e *models.ModelEntry) modelListEntry {
	return modelListEntry{
		ID:            e.Name,
		Object:        "model",
		OwnedBy:       "lemonade",
		Checkpoint:    e.Checkpoints["main"],
		Recipe:        e.Recipe,
		Downloaded:    e.Downloaded,
		Suggested:     e.Suggested,
		Labels:        e.Labels,
		RecipeOptions: e.RecipeOptions,
		SizeGB:        e.SizeGB,
		ImageDefaults: e.ImageDefaults,
	}
}

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	showAll := r.URL.Query().Get("show_all") == "true"
	entries := h.Catalog.List(showAll)

	data := make([]modelListEntry, 0, len(entries))
	for _, e := range entries {
		data = append(data, toListEntry(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.Catalog.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListEntry(entry))
}
