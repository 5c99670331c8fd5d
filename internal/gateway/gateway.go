// Package gateway is the thin glue between HTTP handlers and the
// scheduler: it implements auto-load-on-inference and the explicit pull
// operation, and otherwise forwards calls straight through (spec.md
// §4.6). It never owns the Catalog or the Scheduler's instance list —
// only narrow interfaces onto them, matching the teacher's
// construct-dependencies/pass-narrow-interfaces wiring style.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/lemonade-sh/lemonade-gateway/internal/artifact"
	"github.com/lemonade-sh/lemonade-gateway/internal/engine"
	"github.com/lemonade-sh/lemonade-gateway/internal/scheduler"
	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

// Catalog is the narrow view the gateway needs.
type Catalog interface {
	Get(name string) (*models.ModelEntry, error)
	MarkDownloaded(name string, downloaded bool) error
}

// Scheduler is the narrow view the gateway needs (internal/scheduler.Scheduler satisfies it).
type Scheduler interface {
	Load(ctx context.Context, req scheduler.LoadRequest) error
	Unload(ctx context.Context, name string) error

	ChatCompletion(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
	Completion(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
	Responses(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
	Embeddings(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
	Reranking(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
	AudioTranscriptions(ctx context.Context, model string, req json.RawMessage) (json.RawMessage, error)
	AudioSpeech(ctx context.Context, req json.RawMessage, sink engine.Sink) error
	ImageGenerations(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
	ForwardStream(ctx context.Context, req json.RawMessage, endpoint string, sink engine.Sink, sse bool) error

	GetLoadedModel() string
	GetAllLoadedModels() []string
	Instances() []*models.EngineInstance
}

// Downloader is the narrow Artifact Store view (internal/artifact.Store satisfies it).
type Downloader interface {
	Download(ctx context.Context, entry *models.ModelEntry, doNotUpgrade bool, sink artifact.ProgressSink) error
}

// Gateway wires Catalog + Scheduler + Downloader into the auto-load
// policy described in spec.md §4.6.
type Gateway struct {
	catalog    Catalog
	scheduler  Scheduler
	downloader Downloader
}

func New(catalog Catalog, sched Scheduler, downloader Downloader) *Gateway {
	return &Gateway{catalog: catalog, scheduler: sched, downloader: downloader}
}

// ensureLoaded implements spec.md §4.6's auto-load-if-needed policy: if
// the named model is not resident, look it up in the Catalog; download
// it (do_not_upgrade=true, cached path preferred) unless it is already
// downloaded or is the NPU LLM recipe (that recipe's pull is
// engine-driven, not gateway-driven); then load it with
// do_not_upgrade=true and no override options.
func (g *Gateway) ensureLoaded(ctx context.Context, name string) error {
	if name == "" {
		return apierr.InvalidRequest("missing required field \"model\"")
	}
	for _, loaded := range g.scheduler.GetAllLoadedModels() {
		if loaded == name {
			return nil
		}
	}

	entry, err := g.catalog.Get(name)
	if err != nil {
		return err
	}

	if !entry.Downloaded && entry.Recipe != models.RecipeFLM {
		log.Info().Str("model", name).Msg("auto-downloading model before first use")
		if err := g.downloader.Download(ctx, entry, true, artifact.NoopSink{}); err != nil {
			return apierr.Internal("auto-download of %q failed: %v", name, err)
		}
		if err := g.catalog.MarkDownloaded(name, true); err != nil {
			return err
		}
	}

	return g.scheduler.Load(ctx, scheduler.LoadRequest{
		Name:         name,
		Entry:        entry,
		DoNotUpgrade: true,
	})
}

func modelOf(req json.RawMessage) (string, error) {
	var m struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(req, &m); err != nil {
		return "", apierr.InvalidRequest("malformed request body: %v", err)
	}
	return m.Model, nil
}

func (g *Gateway) ChatCompletion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := modelOf(req)
	if err != nil {
		return nil, err
	}
	if err := g.ensureLoaded(ctx, model); err != nil {
		return nil, err
	}
	return g.scheduler.ChatCompletion(ctx, req)
}

func (g *Gateway) Completion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := modelOf(req)
	if err != nil {
		return nil, err
	}
	if err := g.ensureLoaded(ctx, model); err != nil {
		return nil, err
	}
	return g.scheduler.Completion(ctx, req)
}

func (g *Gateway) Responses(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := modelOf(req)
	if err != nil {
		return nil, err
	}
	if err := g.ensureLoaded(ctx, model); err != nil {
		return nil, err
	}
	return g.scheduler.Responses(ctx, req)
}

func (g *Gateway) Embeddings(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := modelOf(req)
	if err != nil {
		return nil, err
	}
	if err := g.ensureLoaded(ctx, model); err != nil {
		return nil, err
	}
	return g.scheduler.Embeddings(ctx, req)
}

func (g *Gateway) Reranking(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := modelOf(req)
	if err != nil {
		return nil, err
	}
	if err := g.ensureLoaded(ctx, model); err != nil {
		return nil, err
	}
	return g.scheduler.Reranking(ctx, req)
}

func (g *Gateway) AudioTranscriptions(ctx context.Context, model string, req json.RawMessage) (json.RawMessage, error) {
	if err := g.ensureLoaded(ctx, model); err != nil {
		return nil, err
	}
	return g.scheduler.AudioTranscriptions(ctx, model, req)
}

func (g *Gateway) AudioSpeech(ctx context.Context, req json.RawMessage, sink engine.Sink) error {
	model, err := modelOf(req)
	if err != nil {
		return err
	}
	if err := g.ensureLoaded(ctx, model); err != nil {
		return err
	}
	return g.scheduler.AudioSpeech(ctx, req, sink)
}

func (g *Gateway) ImageGenerations(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := modelOf(req)
	if err != nil {
		return nil, err
	}
	if err := g.ensureLoaded(ctx, model); err != nil {
		return nil, err
	}
	return g.scheduler.ImageGenerations(ctx, req)
}

// ForwardStream auto-loads, then streams the raw request to endpoint on
// the resident adapter (used for streaming chat/completions variants).
func (g *Gateway) ForwardStream(ctx context.Context, req json.RawMessage, endpoint string, sink engine.Sink, sse bool) error {
	model, err := modelOf(req)
	if err != nil {
		return err
	}
	if err := g.ensureLoaded(ctx, model); err != nil {
		return err
	}
	return g.scheduler.ForwardStream(ctx, req, endpoint, sink, sse)
}

// Pull performs an explicit download, always checking the remote
// revision (do_not_upgrade=false), as opposed to auto-load's cached-path
// preference (spec.md §4.6, §6 POST /pull).
func (g *Gateway) Pull(ctx context.Context, name string, localImport bool, sink artifact.ProgressSink) error {
	entry, err := g.catalog.Get(name)
	if err != nil {
		return err
	}
	if localImport {
		entry.Source = models.SourceLocalUpload
	}
	if err := g.downloader.Download(ctx, entry, false, sink); err != nil {
		return err
	}
	return g.catalog.MarkDownloaded(name, true)
}

// Load explicitly loads a model without requiring an inference call,
// honoring caller-supplied override options (spec.md §6 POST /load).
func (g *Gateway) Load(ctx context.Context, name string, opts map[string]models.RecipeOption) error {
	entry, err := g.catalog.Get(name)
	if err != nil {
		return err
	}
	return g.scheduler.Load(ctx, scheduler.LoadRequest{Name: name, Entry: entry, Options: opts})
}

// Unload evicts a specific model, or every loaded model when name is empty.
func (g *Gateway) Unload(ctx context.Context, name string) error {
	return g.scheduler.Unload(ctx, name)
}

func (g *Gateway) LoadedModel() string                 { return g.scheduler.GetLoadedModel() }
func (g *Gateway) LoadedModels() []string               { return g.scheduler.GetAllLoadedModels() }
func (g *Gateway) Instances() []*models.EngineInstance { return g.scheduler.Instances() }
