package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

var allRecipes = []models.Recipe{
	models.RecipeLlamaCPP,
	models.RecipeRyzenAILLM,
	models.RecipeFLM,
	models.RecipeWhisperCPP,
	models.RecipeKokoro,
	models.RecipeSDCPP,
}

func deviceNames(d models.DeviceClass) []string {
	var out []string
	if d.Has(models.DeviceCPU) {
		out = append(out, "cpu")
	}
	if d.Has(models.DeviceGPU) {
		out = append(out, "gpu")
	}
	if d.Has(models.DeviceNPU) {
		out = append(out, "npu")
	}
	if d.Has(models.DeviceMetal) {
		out = append(out, "metal")
	}
	return out
}

type instanceStats struct {
	Model      string    `json:"model"`
	Checkpoint string    `json:"checkpoint"`
	Type       string    `json:"type"`
	Device     []string  `json:"device"`
	Port       int       `json:"port"`
	StartedAt  time.Time `json:"started_at"`
	LastAccess time.Time `json:"last_access"`
}

// Stats returns telemetry for the most-recently-used loaded instance
// (spec.md §6 GET /stats).
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	all := h.Gateway.Instances()
	if len(all) == 0 {
		writeError(w, apierr.NotFound("no model is currently loaded"))
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastAccess().After(all[j].LastAccess()) })
	inst := all[0]
	writeJSON(w, http.StatusOK, instanceStats{
		Model:      inst.Name,
		Checkpoint: inst.Checkpoint,
		Type:       string(inst.Type),
		Device:     deviceNames(inst.Device),
		Port:       inst.Port,
		StartedAt:  inst.StartedAt,
		LastAccess: inst.LastAccess(),
	})
}

type recipeInfo struct {
	Recipe models.Recipe `json:"recipe"`
	Device []string      `json:"device"`
}

// SystemInfo returns the probed hardware snapshot plus the static
// recipe/device-class table (spec.md §6 GET /system-info).
func (h *Handlers) SystemInfo(w http.ResponseWriter, r *http.Request) {
	snap := h.Prober.Snapshot()
	recipes := make([]recipeInfo, 0, len(allRecipes))
	for _, rec := range allRecipes {
		recipes = append(recipes, recipeInfo{Recipe: rec, Device: deviceNames(models.DeviceClassFor(rec))})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hardware": snap,
		"recipes":  recipes,
	})
}

// SystemStats returns the live-sampled CPU/memory/GPU reading (spec.md
// §6 GET /system-stats, §10 supplemented feature).
func (h *Handlers) SystemStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Live.Latest())
}

// LogLevel sets the process-wide zerolog level at runtime (spec.md §6
// POST /log-level).
func (h *Handlers) LogLevel(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, apierr.InvalidRequest("malformed request body: %v", err))
		return
	}
	lvl, err := zerolog.ParseLevel(req.Level)
	if err != nil {
		writeError(w, apierr.InvalidRequest("unrecognized log level %q", req.Level))
		return
	}
	zerolog.SetGlobalLevel(lvl)
	writeJSON(w, http.StatusOK, map[string]string{"level": lvl.String()})
}
