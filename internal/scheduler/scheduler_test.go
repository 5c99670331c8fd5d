package scheduler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lemonade-sh/lemonade-gateway/internal/engine"
	"github.com/lemonade-sh/lemonade-gateway/internal/scheduler"
	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

// fakeAdapter is an in-process engine.Adapter for scheduler tests. It
// never spawns a real subprocess.
type fakeAdapter struct {
	name string

	loadErr  error // returned by Load once, then cleared unless sticky
	sticky   bool
	unloaded int32
	port     int
	delay    time.Duration // simulated subprocess startup latency
}

func (f *fakeAdapter) Install(ctx context.Context, backend string) error { return nil }

func (f *fakeAdapter) Load(ctx context.Context, spec engine.LoadSpec) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.loadErr != nil {
		err := f.loadErr
		if !f.sticky {
			f.loadErr = nil
		}
		return err
	}
	f.port = 19000
	return nil
}

func (f *fakeAdapter) Unload(ctx context.Context) error {
	atomic.AddInt32(&f.unloaded, 1)
	return nil
}

func (f *fakeAdapter) Port() int { return f.port }

func (f *fakeAdapter) ChatCompletion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

// fakeRegistry hands out fakeAdapters, optionally pre-seeded with errors
// keyed by recipe so a test can force the first load of a given recipe
// to fail.
type fakeRegistry struct {
	mu       sync.Mutex
	loadErrs map[models.Recipe]error
	sticky   map[models.Recipe]bool
	delay    time.Duration
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{loadErrs: map[models.Recipe]error{}, sticky: map[models.Recipe]bool{}}
}

func (r *fakeRegistry) New(recipe models.Recipe) (engine.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loadErr := r.loadErrs[recipe]
	if !r.sticky[recipe] {
		delete(r.loadErrs, recipe)
	}
	return &fakeAdapter{loadErr: loadErr, sticky: r.sticky[recipe], delay: r.delay}, nil
}

func entry(name string, recipe models.Recipe) *models.ModelEntry {
	return &models.ModelEntry{
		Name:        name,
		Recipe:      recipe,
		Type:        models.ModelTypeLLM,
		Checkpoints: map[string]string{"main": "org/repo"},
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	reg := newFakeRegistry()
	s := scheduler.New(reg, -1, nil)

	e := entry("a", models.RecipeLlamaCPP)
	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "a", Entry: e}); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "a", Entry: e}); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if got := len(s.GetAllLoadedModels()); got != 1 {
		t.Fatalf("loaded models = %d, want 1", got)
	}
}

// TestConcurrentLoadSameModelIsSerialized covers spec.md §8's law that
// two concurrent load(n) calls for the same name produce exactly one
// adapter instance: admission must stay serialized across the whole
// slow load, not just the "loading" flag flip.
func TestConcurrentLoadSameModelIsSerialized(t *testing.T) {
	reg := newFakeRegistry()
	reg.delay = 20 * time.Millisecond
	s := scheduler.New(reg, -1, nil)
	e := entry("a", models.RecipeLlamaCPP)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Load(context.Background(), scheduler.LoadRequest{Name: "a", Entry: e})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	if got := len(s.GetAllLoadedModels()); got != 1 {
		t.Fatalf("loaded models = %d, want 1", got)
	}
}

// TestConcurrentLoadRespectsMaxPerType covers spec.md §8's invariant
// that count_instances_of_type(t) <= max(1, max_per_type) holds at
// every observation point, including mid-admission under concurrent
// loads of distinct models of the same type.
func TestConcurrentLoadRespectsMaxPerType(t *testing.T) {
	reg := newFakeRegistry()
	reg.delay = 20 * time.Millisecond
	s := scheduler.New(reg, 1, nil)

	names := []string{"a", "b", "c", "d"}

	var maxObserved int32
	stop := make(chan struct{})
	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if n := int32(len(s.GetAllLoadedModels())); n > atomic.LoadInt32(&maxObserved) {
					atomic.StoreInt32(&maxObserved, n)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			e := entry(name, models.RecipeLlamaCPP)
			if err := s.Load(context.Background(), scheduler.LoadRequest{Name: name, Entry: e}); err != nil {
				t.Errorf("load %s: %v", name, err)
			}
		}(name)
	}
	wg.Wait()
	close(stop)
	monitor.Wait()

	if got := atomic.LoadInt32(&maxObserved); got > 1 {
		t.Fatalf("observed %d concurrently admitted instances of the same type, want <= 1 (maxPerType=1)", got)
	}
}

func TestMaxPerTypeEvictsLRU(t *testing.T) {
	reg := newFakeRegistry()
	s := scheduler.New(reg, 1, nil)

	a := entry("a", models.RecipeLlamaCPP)
	b := entry("b", models.RecipeLlamaCPP)

	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "a", Entry: a}); err != nil {
		t.Fatalf("load a: %v", err)
	}
	time.Sleep(time.Millisecond)
	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "b", Entry: b}); err != nil {
		t.Fatalf("load b: %v", err)
	}

	loaded := s.GetAllLoadedModels()
	if len(loaded) != 1 || loaded[0] != "b" {
		t.Fatalf("loaded models = %v, want [b] (a should have been LRU-evicted)", loaded)
	}
}

func TestNPUExclusivityEvictsPriorNPUModel(t *testing.T) {
	reg := newFakeRegistry()
	s := scheduler.New(reg, -1, nil)

	npu1 := entry("npu1", models.RecipeRyzenAILLM)
	npu2 := entry("npu2", models.RecipeFLM)

	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "npu1", Entry: npu1}); err != nil {
		t.Fatalf("load npu1: %v", err)
	}
	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "npu2", Entry: npu2}); err != nil {
		t.Fatalf("load npu2: %v", err)
	}

	loaded := s.GetAllLoadedModels()
	if len(loaded) != 1 || loaded[0] != "npu2" {
		t.Fatalf("loaded models = %v, want [npu2] (npu1 must be NPU-exclusivity evicted)", loaded)
	}
}

func TestUnsupportedOperationReturnsTypedError(t *testing.T) {
	reg := newFakeRegistry()
	s := scheduler.New(reg, -1, nil)

	e := entry("a", models.RecipeLlamaCPP)
	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "a", Entry: e}); err != nil {
		t.Fatalf("load: %v", err)
	}

	req := json.RawMessage(`{"model":"a"}`)
	_, err := s.Embeddings(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("error = %T, want *apierr.Error", err)
	}
	if apiErr.Code != apierr.CodeUnsupportedOperation {
		t.Errorf("code = %q, want %q", apiErr.Code, apierr.CodeUnsupportedOperation)
	}
}

func TestChatCompletionDispatchesToCapableAdapter(t *testing.T) {
	reg := newFakeRegistry()
	s := scheduler.New(reg, -1, nil)

	e := entry("a", models.RecipeLlamaCPP)
	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "a", Entry: e}); err != nil {
		t.Fatalf("load: %v", err)
	}

	resp, err := s.ChatCompletion(context.Background(), json.RawMessage(`{"model":"a"}`))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Errorf("resp = %s, want {\"ok\":true}", resp)
	}
}

func TestInferenceOnUnloadedModelReturnsModelNotLoaded(t *testing.T) {
	reg := newFakeRegistry()
	s := scheduler.New(reg, -1, nil)

	_, err := s.ChatCompletion(context.Background(), json.RawMessage(`{"model":"missing"}`))
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeModelNotLoaded {
		t.Fatalf("err = %v, want CodeModelNotLoaded", err)
	}
}

func TestNuclearRetryEvictsAllAndRetriesOnce(t *testing.T) {
	reg := newFakeRegistry()
	s := scheduler.New(reg, -1, nil)

	// An already-resident model that should be swept away by the
	// nuclear eviction when a later load's first attempt fails.
	resident := entry("resident", models.RecipeLlamaCPP)
	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "resident", Entry: resident}); err != nil {
		t.Fatalf("load resident: %v", err)
	}

	// Force the first Load attempt for recipe "sd-cpp" to fail with a
	// generic (non-FileNotFound, non-Invalidated) error; the fakeRegistry
	// hands out a fresh adapter per New() call so the retry's adapter
	// will not carry the injected error forward.
	reg.mu.Lock()
	reg.loadErrs[models.RecipeSDCPP] = fmt.Errorf("engine crashed on startup")
	reg.mu.Unlock()

	victim := entry("victim", models.RecipeSDCPP)
	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "victim", Entry: victim}); err != nil {
		t.Fatalf("load victim: %v (nuclear retry should have succeeded)", err)
	}

	loaded := s.GetAllLoadedModels()
	if len(loaded) != 1 || loaded[0] != "victim" {
		t.Fatalf("loaded models = %v, want [victim] (resident should be nuclear-evicted)", loaded)
	}
}

func TestFileNotFoundBypassesNuclearRetry(t *testing.T) {
	reg := newFakeRegistry()
	reg.loadErrs[models.RecipeSDCPP] = fmt.Errorf("no such file or directory: weights.gguf")
	reg.sticky[models.RecipeSDCPP] = true
	s := scheduler.New(reg, -1, nil)

	e := entry("missing-file", models.RecipeSDCPP)
	err := s.Load(context.Background(), scheduler.LoadRequest{Name: "missing-file", Entry: e})
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*apierr.FileNotFoundError); !ok {
		t.Fatalf("err = %T, want *apierr.FileNotFoundError", err)
	}
}

func TestUnloadWaitsForIdleBeforeEvicting(t *testing.T) {
	reg := newFakeRegistry()
	s := scheduler.New(reg, -1, nil)

	e := entry("a", models.RecipeLlamaCPP)
	if err := s.Load(context.Background(), scheduler.LoadRequest{Name: "a", Entry: e}); err != nil {
		t.Fatalf("load: %v", err)
	}

	inst := s.Instances()[0]
	release := inst.AcquireBusy()

	done := make(chan error, 1)
	go func() {
		done <- s.Unload(context.Background(), "a")
	}()

	select {
	case <-done:
		t.Fatal("Unload returned while instance was still busy")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("Unload: %v", err)
	}
}
