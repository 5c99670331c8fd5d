package artifact_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/lemonade-sh/lemonade-gateway/internal/artifact"
	"github.com/lemonade-sh/lemonade-gateway/internal/config"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

// fakeRepoClient is a deterministic in-process artifact.RepoClient. It
// answers GetRange from an in-memory byte slice per file, honoring the
// requested offset exactly as a ranged HTTP GET would, so Store's
// partial-file resume logic can be exercised without a network.
type fakeRepoClient struct {
	revision string
	files    map[string][]byte // path -> full content
	tree     []artifact.RepoFile
}

func (c *fakeRepoClient) Metadata(ctx context.Context, repoID string) (artifact.RepoMetadata, error) {
	return artifact.RepoMetadata{Revision: c.revision}, nil
}

func (c *fakeRepoClient) Tree(ctx context.Context, repoID, revision string) ([]artifact.RepoFile, error) {
	return c.tree, nil
}

func (c *fakeRepoClient) GetRange(ctx context.Context, repoID, revision, path string, offset int64) (io.ReadCloser, int64, error) {
	full := c.files[path]
	if offset > int64(len(full)) {
		offset = int64(len(full))
	}
	return io.NopCloser(bytes.NewReader(full[offset:])), int64(len(full)) - offset, nil
}

func newTestStore(t *testing.T, client *fakeRepoClient) (*artifact.Store, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{HFHubCache: dir}
	return artifact.NewStore(cfg, client), cfg
}

func TestDownloadWritesFileAndCompletesManifest(t *testing.T) {
	content := []byte("fake gguf weights")
	client := &fakeRepoClient{
		revision: "rev1",
		files:    map[string][]byte{"model.gguf": content},
		tree:     []artifact.RepoFile{{Path: "model.gguf", Bytes: int64(len(content))}},
	}
	store, cfg := newTestStore(t, client)

	entry := &models.ModelEntry{
		Name:        "m",
		Recipe:      models.RecipeLlamaCPP,
		Checkpoints: map[string]string{"main": "org/repo"},
	}

	if err := store.Download(context.Background(), entry, true, artifact.NoopSink{}); err != nil {
		t.Fatalf("Download: %v", err)
	}

	dest := filepath.Join(cfg.HFHubCache, "models--org--repo", "snapshots", "rev1", "model.gguf")
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q, want %q", got, content)
	}

	if _, err := os.Stat(filepath.Join(cfg.HFHubCache, "models--org--repo", "snapshots", "rev1", ".download_manifest.json")); err == nil {
		t.Error("manifest should be removed once the download completes")
	}
}

func TestDownloadResumesFromExistingPartialFile(t *testing.T) {
	content := []byte("0123456789abcdef")
	client := &fakeRepoClient{
		revision: "rev1",
		files:    map[string][]byte{"model.gguf": content},
		tree:     []artifact.RepoFile{{Path: "model.gguf", Bytes: int64(len(content))}},
	}
	store, cfg := newTestStore(t, client)

	snapshotDir := filepath.Join(cfg.HFHubCache, "models--org--repo", "snapshots", "rev1")
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Pre-seed a partial file with the first half of the content, as if
	// a prior download attempt was interrupted mid-file.
	half := content[:8]
	if err := os.WriteFile(filepath.Join(snapshotDir, "model.gguf.partial"), half, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.HFHubCache, "models--org--repo", "refs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.HFHubCache, "models--org--repo", "refs", "main"), []byte("rev1"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry := &models.ModelEntry{
		Name:        "m",
		Recipe:      models.RecipeLlamaCPP,
		Checkpoints: map[string]string{"main": "org/repo"},
	}

	if err := store.Download(context.Background(), entry, true, artifact.NoopSink{}); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(snapshotDir, "model.gguf"))
	if err != nil {
		t.Fatalf("reading resumed file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("resumed content = %q, want %q (resume must append only the missing tail)", got, content)
	}
}

func TestDownloadCancelledBeforeTransferKeepsManifest(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 1024)
	client := &fakeRepoClient{
		revision: "rev1",
		files:    map[string][]byte{"model.gguf": content},
		tree:     []artifact.RepoFile{{Path: "model.gguf", Bytes: int64(len(content))}},
	}
	store, cfg := newTestStore(t, client)

	entry := &models.ModelEntry{
		Name:        "m",
		Recipe:      models.RecipeLlamaCPP,
		Checkpoints: map[string]string{"main": "org/repo"},
	}

	sink := &alwaysCancelledSink{}
	err := store.Download(context.Background(), entry, true, sink)
	if err == nil {
		t.Fatal("expected a cancellation error")
	}

	snapshotDir := filepath.Join(cfg.HFHubCache, "models--org--repo", "snapshots", "rev1")
	if _, statErr := os.Stat(filepath.Join(snapshotDir, ".download_manifest.json")); statErr != nil {
		t.Error("manifest should remain on disk after a cancelled download")
	}
}

type alwaysCancelledSink struct{}

func (alwaysCancelledSink) Emit(artifact.ProgressEvent) {}
func (alwaysCancelledSink) Cancelled() bool             { return true }

// recordingSink captures every emitted event for assertions.
type recordingSink struct {
	events []artifact.ProgressEvent
}

func (s *recordingSink) Emit(e artifact.ProgressEvent) { s.events = append(s.events, e) }
func (s *recordingSink) Cancelled() bool               { return false }

// TestDownloadViaEngineParsesProgress covers spec.md §4.3's NPU-specific
// engine download: recipe=flm delegates to the engine's own pull
// command and its stdout progress lines are parsed into ProgressEvents.
func TestDownloadViaEngineParsesProgress(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake pull command is a POSIX shell script")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-flm-server")
	body := "#!/bin/sh\necho 'pulling checkpoint: 10%'\necho 'pulling checkpoint: 55%'\necho 'pulling checkpoint: 100%'\nexit 0\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("writing fake engine binary: %v", err)
	}

	cfg := &config.Config{HFHubCache: t.TempDir(), EngineBinOverrides: map[string]string{"FLM": script}}
	store := artifact.NewStore(cfg, &fakeRepoClient{})

	entry := &models.ModelEntry{
		Name:        "m",
		Recipe:      models.RecipeFLM,
		Checkpoints: map[string]string{"main": "npu-native-checkpoint-tag"},
	}

	sink := &recordingSink{}
	if err := store.Download(context.Background(), entry, true, sink); err != nil {
		t.Fatalf("Download via engine: %v", err)
	}

	var sawMidProgress, sawComplete bool
	for _, e := range sink.events {
		if e.Stage == "progress" && e.Percent == 55 {
			sawMidProgress = true
		}
		if e.Stage == "complete" {
			sawComplete = true
		}
	}
	if !sawMidProgress {
		t.Fatalf("expected a parsed progress event at 55%%, got %+v", sink.events)
	}
	if !sawComplete {
		t.Fatalf("expected a final complete event, got %+v", sink.events)
	}
}

// TestDownloadViaEngineCancelledKillsSubprocess covers the cancellation
// half of the same invariant: a cancelled sink must kill the engine's
// pull subprocess rather than let it run to completion.
func TestDownloadViaEngineCancelledKillsSubprocess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake pull command is a POSIX shell script")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-flm-server")
	body := "#!/bin/sh\necho 'pulling checkpoint: 1%'\nsleep 5\necho 'pulling checkpoint: 100%'\nexit 0\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("writing fake engine binary: %v", err)
	}

	cfg := &config.Config{HFHubCache: t.TempDir(), EngineBinOverrides: map[string]string{"FLM": script}}
	store := artifact.NewStore(cfg, &fakeRepoClient{})

	entry := &models.ModelEntry{
		Name:        "m",
		Recipe:      models.RecipeFLM,
		Checkpoints: map[string]string{"main": "npu-native-checkpoint-tag"},
	}

	err := store.Download(context.Background(), entry, true, alwaysCancelledSink{})
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
}
