// Package scheduler owns the set of live engine adapters, enforces
// per-type slot limits, NPU exclusivity, LRU eviction, load
// serialization, busy-protection, and the nuclear-retry on load failure
// (spec.md §4.5, §5). This is the core of the gateway.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lemonade-sh/lemonade-gateway/internal/engine"
	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

var tracer = otel.Tracer("lemonade-gateway/scheduler")

// Registry constructs adapters for a recipe (internal/engine.Registry
// satisfies this).
type Registry interface {
	New(recipe models.Recipe) (engine.Adapter, error)
}

// Scheduler is the multi-model scheduler/router (spec.md §4.5).
type Scheduler struct {
	loadMu    sync.Mutex
	loadCond  *sync.Cond
	loading   bool

	instancesMu sync.Mutex
	instances   []*models.EngineInstance

	maxPerType     int
	defaultOptions map[string]models.RecipeOption

	registry Registry
}

func New(registry Registry, maxPerType int, defaultOptions map[string]models.RecipeOption) *Scheduler {
	s := &Scheduler{
		registry:       registry,
		maxPerType:     maxPerType,
		defaultOptions: defaultOptions,
	}
	s.loadCond = sync.NewCond(&s.loadMu)
	return s
}

// ── instances list helpers (instancesMu) ────────────────────────────

func (s *Scheduler) find(name string) *models.EngineInstance {
	s.instancesMu.Lock()
	defer s.instancesMu.Unlock()
	for _, i := range s.instances {
		if i.Name == name {
			return i
		}
	}
	return nil
}

func (s *Scheduler) countOfType(t models.ModelType) int {
	s.instancesMu.Lock()
	defer s.instancesMu.Unlock()
	n := 0
	for _, i := range s.instances {
		if i.Type == t {
			n++
		}
	}
	return n
}

func (s *Scheduler) findNPU() *models.EngineInstance {
	s.instancesMu.Lock()
	defer s.instancesMu.Unlock()
	for _, i := range s.instances {
		if i.Device.IsNPUExclusive() {
			return i
		}
	}
	return nil
}

func (s *Scheduler) oldestOfType(t models.ModelType) *models.EngineInstance {
	s.instancesMu.Lock()
	defer s.instancesMu.Unlock()
	var oldest *models.EngineInstance
	for _, i := range s.instances {
		if i.Type != t {
			continue
		}
		if oldest == nil || i.LastAccess().Before(oldest.LastAccess()) {
			oldest = i
		}
	}
	return oldest
}

func (s *Scheduler) append(i *models.EngineInstance) {
	s.instancesMu.Lock()
	defer s.instancesMu.Unlock()
	s.instances = append(s.instances, i)
}

func (s *Scheduler) removeLocked(name string) {
	s.instancesMu.Lock()
	defer s.instancesMu.Unlock()
	for idx, i := range s.instances {
		if i.Name == name {
			s.instances = append(s.instances[:idx], s.instances[idx+1:]...)
			return
		}
	}
}

func (s *Scheduler) all() []*models.EngineInstance {
	s.instancesMu.Lock()
	defer s.instancesMu.Unlock()
	out := make([]*models.EngineInstance, len(s.instances))
	copy(out, s.instances)
	return out
}

// ── load admission (spec.md §4.5) ───────────────────────────────────

// LoadRequest carries the inputs to Load.
type LoadRequest struct {
	Name         string
	Entry        *models.ModelEntry
	Options      map[string]models.RecipeOption
	DoNotUpgrade bool
}

// Load performs idempotent admission per spec.md §4.5 steps 1-9.
func (s *Scheduler) Load(ctx context.Context, req LoadRequest) error {
	ctx, span := tracer.Start(ctx, "Scheduler.Load", trace.WithAttributes(
		attribute.String("model", req.Name),
		attribute.String("recipe", string(req.Entry.Recipe)),
	))
	defer span.End()

	effective := models.MergeRecipeOptions(req.Options, req.Entry.RecipeOptions, s.defaultOptions)

	// loading stays set for the whole call (including startInstance and
	// the final append) so admission is strictly serialized; only the
	// loadMu mutex itself is released across the slow steps, by
	// acquireLoadLock/releaseLoadLock's own locking, not by toggling the
	// flag early.
	s.acquireLoadLock()
	defer s.releaseLoadLock()

	if existing := s.find(req.Name); existing != nil {
		existing.Touch()
		return nil
	}

	s.evictForAdmission(req.Entry)

	inst := models.NewEngineInstance(req.Name, req.Entry.Checkpoints["main"], req.Entry.Type, req.Entry.DeviceClass(), effective)

	if err := s.startInstance(ctx, inst, req.Entry); err != nil {
		if _, ok := err.(*apierr.FileNotFoundError); ok {
			return err
		}
		if ae, ok := err.(*apierr.Error); ok && ae.Code == apierr.CodeModelInvalidated {
			return err
		}

		log.Warn().Str("model", req.Name).Err(err).Msg("load failed, applying nuclear eviction policy and retrying once")
		s.nuclearEvict(ctx)

		if err2 := s.startInstance(ctx, inst, req.Entry); err2 != nil {
			return apierr.ModelLoadError(req.Name, err2)
		}
	}

	s.append(inst)
	return nil
}

func (s *Scheduler) acquireLoadLock() {
	s.loadMu.Lock()
	for s.loading {
		s.loadCond.Wait()
	}
	s.loading = true
	s.loadMu.Unlock()
}

func (s *Scheduler) releaseLoadLock() {
	s.loadMu.Lock()
	s.loading = false
	s.loadCond.Signal()
	s.loadMu.Unlock()
}

// evictForAdmission applies NPU exclusivity then the per-type slot limit
// (spec.md §4.5 steps 4-5). Called with the load lock held.
func (s *Scheduler) evictForAdmission(entry *models.ModelEntry) {
	if entry.DeviceClass().IsNPUExclusive() {
		if npu := s.findNPU(); npu != nil {
			s.evict(npu)
		}
	}

	if s.maxPerType < 0 {
		return
	}
	if s.countOfType(entry.Type) >= s.maxPerType {
		if victim := s.oldestOfType(entry.Type); victim != nil {
			s.evict(victim)
		}
	}
}

// evict waits for busy to clear then tears down the instance's
// subprocess (spec.md §4.5, §5). Logged, not propagated, on failure.
func (s *Scheduler) evict(i *models.EngineInstance) {
	i.WaitUntilIdle()
	if adapter, ok := i.Adapter.(engine.Adapter); ok {
		if err := adapter.Unload(context.Background()); err != nil {
			log.Warn().Str("model", i.Name).Err(err).Msg("error unloading evicted instance")
		}
	}
	s.removeLocked(i.Name)
}

// nuclearEvict tears down every instance (spec.md §4.5 step 9 "otherwise").
func (s *Scheduler) nuclearEvict(ctx context.Context) {
	for _, i := range s.all() {
		s.evict(i)
	}
}

func (s *Scheduler) startInstance(ctx context.Context, inst *models.EngineInstance, entry *models.ModelEntry) error {
	adapter, err := s.registry.New(entry.Recipe)
	if err != nil {
		return err
	}

	spec := engine.LoadSpec{
		Name:       inst.Name,
		Checkpoint: inst.Checkpoint,
		Type:       string(inst.Type),
		Options:    optionsToAny(inst.Options),
	}
	if customArgs, ok := inst.Options["custom_args"]; ok {
		if s, ok := customArgs.Value.(string); ok {
			spec.CustomArgs = s
		}
	}

	backend := "cpu"
	if b, ok := inst.Options["backend"]; ok {
		if s, ok := b.Value.(string); ok {
			backend = s
		}
	}
	if err := adapter.Install(ctx, backend); err != nil {
		return err
	}
	if err := adapter.Load(ctx, spec); err != nil {
		return apierr.ClassifyLoadError(inst.Name, err.Error())
	}

	inst.Port = adapter.Port()
	inst.Adapter = adapter
	return nil
}

func optionsToAny(opts map[string]models.RecipeOption) map[string]any {
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		if v.Present {
			out[k] = v.Value
		}
	}
	return out
}

// ── unload (spec.md §4.5) ────────────────────────────────────────────

// Unload evicts a specific instance, or all instances when name is empty.
func (s *Scheduler) Unload(ctx context.Context, name string) error {
	_, span := tracer.Start(ctx, "Scheduler.Unload", trace.WithAttributes(attribute.String("model", name)))
	defer span.End()

	s.acquireLoadLock()
	defer s.releaseLoadLock()

	if name == "" {
		for _, i := range s.all() {
			s.evict(i)
		}
		return nil
	}

	i := s.find(name)
	if i == nil {
		return fmt.Errorf("model %q is not loaded", name)
	}
	s.evict(i)
	return nil
}

// ── inference dispatch (spec.md §4.5) ───────────────────────────────

// extractModel pulls the required "model" field from a raw JSON request.
func extractModel(raw json.RawMessage) (string, error) {
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

// resolve finds a resident instance for a model by name. Returns
// ModelNotLoaded if the model is not currently resident.
func (s *Scheduler) resolve(name string) (*models.EngineInstance, error) {
	i := s.find(name)
	if i == nil {
		return nil, apierr.ModelNotLoaded(name)
	}
	return i, nil
}

func (s *Scheduler) ChatCompletion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := extractModel(req)
	if err != nil {
		return nil, err
	}
	inst, err := s.resolve(model)
	if err != nil {
		return nil, err
	}
	release := inst.AcquireBusy()
	defer release()
	cc, ok := inst.Adapter.(engine.ChatCompleter)
	if !ok {
		return nil, apierr.UnsupportedOperation("chat_completion", inst.Device)
	}
	return cc.ChatCompletion(ctx, req)
}

func (s *Scheduler) Completion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := extractModel(req)
	if err != nil {
		return nil, err
	}
	inst, err := s.resolve(model)
	if err != nil {
		return nil, err
	}
	release := inst.AcquireBusy()
	defer release()
	c, ok := inst.Adapter.(engine.Completer)
	if !ok {
		return nil, apierr.UnsupportedOperation("completion", inst.Device)
	}
	return c.Completion(ctx, req)
}

func (s *Scheduler) Responses(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := extractModel(req)
	if err != nil {
		return nil, err
	}
	inst, err := s.resolve(model)
	if err != nil {
		return nil, err
	}
	release := inst.AcquireBusy()
	defer release()
	r, ok := inst.Adapter.(engine.Responder)
	if !ok {
		return nil, apierr.UnsupportedOperation("responses", inst.Device)
	}
	return r.Responses(ctx, req)
}

func (s *Scheduler) Embeddings(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := extractModel(req)
	if err != nil {
		return nil, err
	}
	inst, err := s.resolve(model)
	if err != nil {
		return nil, err
	}
	release := inst.AcquireBusy()
	defer release()
	e, ok := inst.Adapter.(engine.Embedder)
	if !ok {
		return nil, apierr.UnsupportedOperation("embeddings", inst.Device)
	}
	return e.Embeddings(ctx, req)
}

func (s *Scheduler) Reranking(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := extractModel(req)
	if err != nil {
		return nil, err
	}
	inst, err := s.resolve(model)
	if err != nil {
		return nil, err
	}
	release := inst.AcquireBusy()
	defer release()
	r, ok := inst.Adapter.(engine.Reranker)
	if !ok {
		return nil, apierr.UnsupportedOperation("reranking", inst.Device)
	}
	return r.Reranking(ctx, req)
}

func (s *Scheduler) AudioTranscriptions(ctx context.Context, model string, req json.RawMessage) (json.RawMessage, error) {
	inst, err := s.resolve(model)
	if err != nil {
		return nil, err
	}
	release := inst.AcquireBusy()
	defer release()
	t, ok := inst.Adapter.(engine.Transcriber)
	if !ok {
		return nil, apierr.UnsupportedOperation("audio_transcriptions", inst.Device)
	}
	return t.AudioTranscriptions(ctx, req)
}

func (s *Scheduler) AudioSpeech(ctx context.Context, req json.RawMessage, sink engine.Sink) error {
	model, err := extractModel(req)
	if err != nil {
		return err
	}
	inst, err := s.resolve(model)
	if err != nil {
		return err
	}
	release := inst.AcquireBusy()
	defer release()
	sp, ok := inst.Adapter.(engine.Speaker)
	if !ok {
		return apierr.UnsupportedOperation("audio_speech", inst.Device)
	}
	return sp.AudioSpeech(ctx, req, sink)
}

func (s *Scheduler) ImageGenerations(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	model, err := extractModel(req)
	if err != nil {
		return nil, err
	}
	inst, err := s.resolve(model)
	if err != nil {
		return nil, err
	}
	release := inst.AcquireBusy()
	defer release()
	ig, ok := inst.Adapter.(engine.ImageGenerator)
	if !ok {
		return nil, apierr.UnsupportedOperation("image_generations", inst.Device)
	}
	return ig.ImageGenerations(ctx, req)
}

// ForwardStream forwards a streaming request to endpoint on the resident
// adapter, returning UnsupportedOperation when the adapter lacks
// StreamForwarder (spec.md §4.5, §6).
func (s *Scheduler) ForwardStream(ctx context.Context, req json.RawMessage, endpoint string, sink engine.Sink, sse bool) error {
	model, err := extractModel(req)
	if err != nil {
		return err
	}
	inst, err := s.resolve(model)
	if err != nil {
		return err
	}
	release := inst.AcquireBusy()
	defer release()
	f, ok := inst.Adapter.(engine.StreamForwarder)
	if !ok {
		return apierr.UnsupportedOperation("forward_streaming", inst.Device)
	}
	return f.ForwardStreaming(ctx, endpoint, req, sink, sse)
}

// ── introspection (spec.md §4.5) ────────────────────────────────────

func (s *Scheduler) GetLoadedModel() string {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	all := s.all()
	if len(all) == 0 {
		return ""
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastAccess().After(all[j].LastAccess()) })
	return all[0].Name
}

func (s *Scheduler) GetAllLoadedModels() []string {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	all := s.all()
	out := make([]string, len(all))
	for i, inst := range all {
		out[i] = inst.Name
	}
	return out
}

// Instances exposes a read-only snapshot for /health and /stats handlers.
func (s *Scheduler) Instances() []*models.EngineInstance {
	return s.all()
}
