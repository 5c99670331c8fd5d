package gateway_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lemonade-sh/lemonade-gateway/internal/artifact"
	"github.com/lemonade-sh/lemonade-gateway/internal/engine"
	"github.com/lemonade-sh/lemonade-gateway/internal/gateway"
	"github.com/lemonade-sh/lemonade-gateway/internal/scheduler"
	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

type fakeCatalog struct {
	entries    map[string]*models.ModelEntry
	downloaded map[string]bool
}

func (c *fakeCatalog) Get(name string) (*models.ModelEntry, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, apierr.NotFound("model %q not found", name)
	}
	clone := *e
	return &clone, nil
}

func (c *fakeCatalog) MarkDownloaded(name string, downloaded bool) error {
	c.downloaded[name] = downloaded
	return nil
}

type fakeScheduler struct {
	loaded     []string
	loadCalls  []scheduler.LoadRequest
	chatResult json.RawMessage
}

func (s *fakeScheduler) Load(ctx context.Context, req scheduler.LoadRequest) error {
	s.loadCalls = append(s.loadCalls, req)
	s.loaded = append(s.loaded, req.Name)
	return nil
}
func (s *fakeScheduler) Unload(ctx context.Context, name string) error { return nil }
func (s *fakeScheduler) ChatCompletion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return s.chatResult, nil
}
func (s *fakeScheduler) Completion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (s *fakeScheduler) Responses(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (s *fakeScheduler) Embeddings(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (s *fakeScheduler) Reranking(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (s *fakeScheduler) AudioTranscriptions(ctx context.Context, model string, req json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (s *fakeScheduler) AudioSpeech(ctx context.Context, req json.RawMessage, sink engine.Sink) error {
	return nil
}
func (s *fakeScheduler) ImageGenerations(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (s *fakeScheduler) ForwardStream(ctx context.Context, req json.RawMessage, endpoint string, sink engine.Sink, sse bool) error {
	return nil
}
func (s *fakeScheduler) GetLoadedModel() string { return "" }
func (s *fakeScheduler) GetAllLoadedModels() []string {
	return s.loaded
}
func (s *fakeScheduler) Instances() []*models.EngineInstance { return nil }

type fakeDownloader struct {
	calls []string
}

func (d *fakeDownloader) Download(ctx context.Context, entry *models.ModelEntry, doNotUpgrade bool, sink artifact.ProgressSink) error {
	d.calls = append(d.calls, entry.Name)
	return nil
}

func TestChatCompletionAutoLoadsUndownloadedModel(t *testing.T) {
	cat := &fakeCatalog{
		entries:    map[string]*models.ModelEntry{"m": {Name: "m", Recipe: models.RecipeLlamaCPP, Downloaded: false}},
		downloaded: map[string]bool{},
	}
	sched := &fakeScheduler{chatResult: json.RawMessage(`{"ok":true}`)}
	dl := &fakeDownloader{}
	gw := gateway.New(cat, sched, dl)

	resp, err := gw.ChatCompletion(context.Background(), json.RawMessage(`{"model":"m"}`))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Errorf("resp = %s", resp)
	}
	if len(dl.calls) != 1 || dl.calls[0] != "m" {
		t.Fatalf("download calls = %v, want [m]", dl.calls)
	}
	if len(sched.loadCalls) != 1 || !sched.loadCalls[0].DoNotUpgrade {
		t.Fatalf("load calls = %v, want one call with DoNotUpgrade=true", sched.loadCalls)
	}
	if !cat.downloaded["m"] {
		t.Error("catalog was not marked downloaded")
	}
}

func TestChatCompletionSkipsDownloadWhenAlreadyDownloaded(t *testing.T) {
	cat := &fakeCatalog{
		entries:    map[string]*models.ModelEntry{"m": {Name: "m", Recipe: models.RecipeLlamaCPP, Downloaded: true}},
		downloaded: map[string]bool{},
	}
	sched := &fakeScheduler{chatResult: json.RawMessage(`{}`)}
	dl := &fakeDownloader{}
	gw := gateway.New(cat, sched, dl)

	if _, err := gw.ChatCompletion(context.Background(), json.RawMessage(`{"model":"m"}`)); err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if len(dl.calls) != 0 {
		t.Fatalf("download calls = %v, want none", dl.calls)
	}
}

func TestChatCompletionSkipsDownloadForFLMRecipe(t *testing.T) {
	cat := &fakeCatalog{
		entries:    map[string]*models.ModelEntry{"m": {Name: "m", Recipe: models.RecipeFLM, Downloaded: false}},
		downloaded: map[string]bool{},
	}
	sched := &fakeScheduler{chatResult: json.RawMessage(`{}`)}
	dl := &fakeDownloader{}
	gw := gateway.New(cat, sched, dl)

	if _, err := gw.ChatCompletion(context.Background(), json.RawMessage(`{"model":"m"}`)); err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if len(dl.calls) != 0 {
		t.Fatalf("download calls = %v, want none (flm pull is engine-driven)", dl.calls)
	}
}

func TestChatCompletionSkipsLoadWhenAlreadyResident(t *testing.T) {
	cat := &fakeCatalog{entries: map[string]*models.ModelEntry{}, downloaded: map[string]bool{}}
	sched := &fakeScheduler{loaded: []string{"m"}, chatResult: json.RawMessage(`{}`)}
	dl := &fakeDownloader{}
	gw := gateway.New(cat, sched, dl)

	if _, err := gw.ChatCompletion(context.Background(), json.RawMessage(`{"model":"m"}`)); err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if len(sched.loadCalls) != 0 {
		t.Fatalf("load calls = %v, want none (model already resident, catalog never consulted)", sched.loadCalls)
	}
}

func TestChatCompletionMissingModelIsInvalidRequest(t *testing.T) {
	cat := &fakeCatalog{entries: map[string]*models.ModelEntry{}, downloaded: map[string]bool{}}
	sched := &fakeScheduler{}
	dl := &fakeDownloader{}
	gw := gateway.New(cat, sched, dl)

	_, err := gw.ChatCompletion(context.Background(), json.RawMessage(`{}`))
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeInvalidRequest {
		t.Fatalf("err = %v, want CodeInvalidRequest", err)
	}
}
