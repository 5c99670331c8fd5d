// Package models holds the core data types shared across the gateway:
// recipes, device classes, catalog entries, and live engine instances.
package models

import (
	"sync"
	"time"
)

// ── Recipe ───────────────────────────────────────────────────

// Recipe names an engine family. The built-in set is fixed; new recipes
// are added by registering an engine.Factory, not by extending this type.
type Recipe string

const (
	RecipeLlamaCPP   Recipe = "llamacpp"
	RecipeRyzenAILLM Recipe = "ryzenai-llm"
	RecipeFLM        Recipe = "flm"
	RecipeWhisperCPP Recipe = "whispercpp"
	RecipeKokoro     Recipe = "kokoro"
	RecipeSDCPP      Recipe = "sd-cpp"
)

// DeviceClass is a bitmask over the physical devices an engine needs.
type DeviceClass uint8

const (
	DeviceCPU DeviceClass = 1 << iota
	DeviceGPU
	DeviceNPU
	DeviceMetal
)

// IsNPUExclusive reports whether this device class claims the NPU.
func (d DeviceClass) IsNPUExclusive() bool {
	return d&DeviceNPU != 0
}

func (d DeviceClass) Has(other DeviceClass) bool {
	return d&other != 0
}

// recipeDeviceClass is the static recipe → device-class mapping (spec.md §3.iv).
var recipeDeviceClass = map[Recipe]DeviceClass{
	RecipeLlamaCPP:   DeviceCPU | DeviceGPU | DeviceMetal,
	RecipeRyzenAILLM: DeviceNPU,
	RecipeFLM:        DeviceNPU,
	RecipeWhisperCPP: DeviceCPU | DeviceGPU,
	RecipeKokoro:     DeviceCPU | DeviceGPU,
	RecipeSDCPP:      DeviceCPU | DeviceGPU,
}

// DeviceClassFor returns the static device class implied by a recipe.
func DeviceClassFor(r Recipe) DeviceClass {
	return recipeDeviceClass[r]
}

// ── ModelType ────────────────────────────────────────────────

type ModelType string

const (
	ModelTypeLLM        ModelType = "LLM"
	ModelTypeEmbedding  ModelType = "EMBEDDING"
	ModelTypeReranking  ModelType = "RERANKING"
	ModelTypeAudio      ModelType = "AUDIO"
	ModelTypeImage      ModelType = "IMAGE"
)

// Known labels attached to catalog entries.
const (
	LabelReasoning  = "reasoning"
	LabelVision     = "vision"
	LabelEmbeddings = "embeddings"
	LabelReranking  = "reranking"
	LabelImage      = "image"
	LabelAudio      = "audio"
	LabelCustom     = "custom"
)

// TypeFromLabels derives a ModelType from a catalog entry's label set.
// LLM is the default when no type-bearing label is present.
func TypeFromLabels(labels []string) ModelType {
	for _, l := range labels {
		switch l {
		case LabelEmbeddings:
			return ModelTypeEmbedding
		case LabelReranking:
			return ModelTypeReranking
		case LabelImage:
			return ModelTypeImage
		case LabelAudio:
			return ModelTypeAudio
		}
	}
	return ModelTypeLLM
}

// ── RecipeOption ─────────────────────────────────────────────

// RecipeOption is a typed, explicitly-presence-tracked option value.
// Present distinguishes "unset" from the source's sentinel values
// (-1, "") per the Design Note in spec.md §9 — merging is left-biased
// and a RecipeOption with Present=false never overrides a later one.
type RecipeOption struct {
	Present bool
	Value   any
}

func Opt(v any) RecipeOption { return RecipeOption{Present: true, Value: v} }

// MergeRecipeOptions merges maps left-to-right; the first Present value
// for a key wins. Used for effective_options := options ⊕ entry.recipe_options
// ⊕ default_options (spec.md §4.5 step 1).
func MergeRecipeOptions(layers ...map[string]RecipeOption) map[string]RecipeOption {
	out := make(map[string]RecipeOption)
	for _, layer := range layers {
		for k, v := range layer {
			if !v.Present {
				continue
			}
			if existing, ok := out[k]; ok && existing.Present {
				continue
			}
			out[k] = v
		}
	}
	return out
}

// ── ImageDefaults ────────────────────────────────────────────

type ImageDefaults struct {
	Steps    int     `json:"steps,omitempty"`
	CFGScale float64 `json:"cfg_scale,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
}

// ── ModelEntry ───────────────────────────────────────────────

// EntrySource records where a model entry's files physically came from.
type EntrySource string

const (
	SourceNone          EntrySource = ""
	SourceLocalUpload   EntrySource = "local_upload"
	SourceLocalPath     EntrySource = "local_path"
	SourceExtraModelsDir EntrySource = "extra_models_dir"
)

// ModelEntry is a single catalog entry, uniquely identified by Name.
// A user-registered entry is prefixed "user.", an auto-discovered one
// "extra.", all others are built-in (spec.md §3).
type ModelEntry struct {
	Name   string `json:"id"`
	Recipe Recipe `json:"recipe"`
	Type   ModelType `json:"-"`
	Labels []string  `json:"labels,omitempty"`

	// Checkpoints maps role -> reference string ("main" required; other
	// roles such as "mmproj", "npu_cache" optional). A reference is either
	// repo_id, repo_id:variant, or an absolute local path.
	Checkpoints map[string]string `json:"-"`

	// ResolvedPaths maps role -> absolute on-disk path, empty if unresolved.
	ResolvedPaths map[string]string `json:"-"`

	SizeGB    float64 `json:"size,omitempty"`
	Suggested bool    `json:"suggested"`
	Source    EntrySource `json:"-"`

	Downloaded bool `json:"downloaded"`

	RecipeOptions map[string]RecipeOption `json:"recipe_options,omitempty"`

	ImageDefaults *ImageDefaults `json:"image_defaults,omitempty"`
}

func (e *ModelEntry) DeviceClass() DeviceClass {
	return DeviceClassFor(e.Recipe)
}

// IsBuiltIn, IsUser, IsExtra classify an entry by its name prefix.
func (e *ModelEntry) IsUser() bool  { return hasPrefix(e.Name, "user.") }
func (e *ModelEntry) IsExtra() bool { return hasPrefix(e.Name, "extra.") }
func (e *ModelEntry) IsBuiltIn() bool {
	return !e.IsUser() && !e.IsExtra()
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

// ── EngineInstance ───────────────────────────────────────────

// EngineInstance is a live adapter backed by a subprocess. The busy
// count brackets every inference call the scheduler dispatches; loads
// and unloads do not take it. The scheduler never evicts while the busy
// count is non-zero (spec.md §3, §4.5, §5).
type EngineInstance struct {
	Name       string
	Checkpoint string
	Type       ModelType
	Device     DeviceClass
	Port       int
	StartedAt  time.Time

	Options map[string]RecipeOption

	mu         sync.Mutex
	cond       *sync.Cond
	busyCount  int
	lastAccess time.Time

	// Adapter is the engine.Adapter driving this instance's subprocess.
	// Declared as `any` here to avoid an import cycle with internal/engine;
	// the scheduler type-asserts it back to engine.Adapter.
	Adapter any
}

func NewEngineInstance(name, checkpoint string, t ModelType, dev DeviceClass, opts map[string]RecipeOption) *EngineInstance {
	ei := &EngineInstance{
		Name:       name,
		Checkpoint: checkpoint,
		Type:       t,
		Device:     dev,
		Options:    opts,
		StartedAt:  time.Now(),
		lastAccess: time.Now(),
	}
	ei.cond = sync.NewCond(&ei.mu)
	return ei
}

func (ei *EngineInstance) Touch() {
	ei.mu.Lock()
	ei.lastAccess = time.Now()
	ei.mu.Unlock()
}

func (ei *EngineInstance) LastAccess() time.Time {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	return ei.lastAccess
}

// AcquireBusy marks the instance busy for the duration of a call; call
// the returned func to release. Safe to call concurrently from multiple
// goroutines serving the same instance — a reference count, not a flag,
// tracks in-flight calls, so one call finishing does not let an evictor
// proceed while a sibling call is still running (spec.md §4.5: many
// inference calls may run concurrently against one instance).
func (ei *EngineInstance) AcquireBusy() func() {
	ei.mu.Lock()
	ei.busyCount++
	ei.lastAccess = time.Now()
	ei.mu.Unlock()
	return func() {
		ei.mu.Lock()
		ei.busyCount--
		ei.lastAccess = time.Now()
		if ei.busyCount == 0 {
			ei.cond.Broadcast()
		}
		ei.mu.Unlock()
	}
}

// WaitUntilIdle blocks until no call holds the busy count. Used by the
// scheduler's evictor, which must not tear down a busy instance
// (spec.md §4.5, §5).
func (ei *EngineInstance) WaitUntilIdle() {
	ei.mu.Lock()
	for ei.busyCount > 0 {
		ei.cond.Wait()
	}
	ei.mu.Unlock()
}

func (ei *EngineInstance) IsBusy() bool {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	return ei.busyCount > 0
}

// ── ArtifactManifest ─────────────────────────────────────────

// ArtifactManifestFile is one expected file of a multi-file download.
type ArtifactManifestFile struct {
	Path  string `json:"path"`
	URL   string `json:"url"`
	Bytes int64  `json:"bytes,omitempty"`
}

// ArtifactManifest is written at the snapshot root before a multi-file
// download begins; its presence (or any "<file>.partial" sibling)
// signals that the model is not fully downloaded (spec.md §3, §4.3).
type ArtifactManifest struct {
	RepoID   string                 `json:"repo_id"`
	Revision string                 `json:"revision"`
	Files    []ArtifactManifestFile `json:"files"`
}
