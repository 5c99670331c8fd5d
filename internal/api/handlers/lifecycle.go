package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/lemonade-sh/lemonade-gateway/internal/artifact"
	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

// Pull downloads a model; stream=true emits SSE progress/complete/error
// events as the download proceeds (spec.md §6 /pull, §4.3).
func (h *Handlers) Pull(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Model       string `json:"model"`
		Stream      bool   `json:"stream"`
		LocalImport bool   `json:"local_import"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, apierr.InvalidRequest("malformed request body: %v", err))
		return
	}
	if req.Model == "" {
		writeError(w, apierr.InvalidRequest("missing required field \"model\""))
		return
	}

	if !req.Stream {
		if err := h.Gateway.Pull(r.Context(), req.Model, req.LocalImport, artifact.NoopSink{}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"stage": "complete", "model": req.Model})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	ctx := r.Context()
	sink := artifact.NewChannelSink(16, func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	})

	done := make(chan error, 1)
	go func() {
		err := h.Gateway.Pull(ctx, req.Model, req.LocalImport, sink)
		sink.Close()
		done <- err
	}()

	for ev := range sink.Events {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Stage, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := <-done; err != nil {
		evt := map[string]string{"stage": "error", "message": err.Error()}
		data, _ := json.Marshal(evt)
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Load force-loads a model, optionally persisting the supplied recipe
// options (spec.md §6 /load).
func (h *Handlers) Load(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Model         string         `json:"model"`
		RecipeOptions map[string]any `json:"recipe_options"`
		SaveOptions   bool           `json:"save_options"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, apierr.InvalidRequest("malformed request body: %v", err))
		return
	}
	if req.Model == "" {
		writeError(w, apierr.InvalidRequest("missing required field \"model\""))
		return
	}

	opts := make(map[string]models.RecipeOption, len(req.RecipeOptions))
	for k, v := range req.RecipeOptions {
		opts[k] = models.Opt(v)
	}

	if err := h.Gateway.Load(r.Context(), req.Model, opts); err != nil {
		writeError(w, err)
		return
	}

	if req.SaveOptions {
		if err := h.Catalog.SaveOptions(req.Model, opts); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "model": req.Model})
}

// Unload evicts a specific model, or every loaded model when "model" is
// omitted (spec.md §6 /unload).
func (h *Handlers) Unload(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, apierr.InvalidRequest("malformed request body: %v", err))
		return
	}
	if err := h.Gateway.Unload(r.Context(), req.Model); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

// Delete removes a model's on-disk files and unloads it if resident.
// A missing model is a 422, not the 404 a plain lookup miss gets
// elsewhere (spec.md §6, §7).
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, apierr.InvalidRequest("malformed request body: %v", err))
		return
	}
	if req.Model == "" {
		writeError(w, apierr.InvalidRequest("missing required field \"model\""))
		return
	}

	entry, err := h.Catalog.Get(req.Model)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(apierr.ToEnvelope(err))
		return
	}

	_ = h.Gateway.Unload(r.Context(), req.Model)

	for _, p := range entry.ResolvedPaths {
		if p == "" {
			continue
		}
		os.RemoveAll(p)
	}
	h.Catalog.RemoveFromCache(req.Model)

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "model": req.Model})
}
