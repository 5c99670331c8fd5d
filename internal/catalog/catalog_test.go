package catalog_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lemonade-sh/lemonade-gateway/internal/catalog"
	"github.com/lemonade-sh/lemonade-gateway/internal/hardware"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

type fakeResolver struct{ resolved map[string]string }

func (r *fakeResolver) Resolve(entry *models.ModelEntry) map[string]string {
	return map[string]string{"main": r.resolved[entry.Name]}
}

func writeBuiltin(t *testing.T, dir string, entries map[string]*models.ModelEntry) {
	t.Helper()
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "server_models.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNewFailsOnMalformedBuiltinCatalog(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "server_models.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := catalog.New(dir, "", nil, nil, hardwareSnapshot())
	if err == nil {
		t.Fatal("expected an error for a malformed built-in catalog")
	}
}

func TestNewFailsOnMissingBuiltinCatalog(t *testing.T) {
	dir := t.TempDir()
	_, err := catalog.New(dir, "", nil, nil, hardwareSnapshot())
	if err == nil {
		t.Fatal("expected an error when server_models.json is missing")
	}
}

func TestListHidesUndownloadedByDefault(t *testing.T) {
	dir := t.TempDir()
	writeBuiltin(t, dir, map[string]*models.ModelEntry{
		"m1": {Recipe: models.RecipeLlamaCPP, Checkpoints: map[string]string{"main": "org/repo"}},
	})
	resolver := &fakeResolver{resolved: map[string]string{}} // resolves to "" -> not downloaded
	c, err := catalog.New(dir, "", resolver, nil, hardwareSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	if len(c.List(false)) != 0 {
		t.Error("List(false) should hide undownloaded entries")
	}
	if len(c.List(true)) != 1 {
		t.Error("List(true) should include undownloaded entries")
	}
}

func TestListIncludesDownloadedEntry(t *testing.T) {
	dir := t.TempDir()
	modelFile := filepath.Join(dir, "model.gguf")
	if err := os.WriteFile(modelFile, []byte("fake weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeBuiltin(t, dir, map[string]*models.ModelEntry{
		"m1": {Recipe: models.RecipeLlamaCPP, Checkpoints: map[string]string{"main": "org/repo"}},
	})
	resolver := &fakeResolver{resolved: map[string]string{"m1": modelFile}}
	c, err := catalog.New(dir, "", resolver, nil, hardwareSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	list := c.List(false)
	if len(list) != 1 {
		t.Fatalf("List(false) = %d entries, want 1", len(list))
	}
	if !list["m1"].Downloaded {
		t.Error("expected m1.Downloaded = true")
	}
}

func TestDownloadedFalseWhilePartialFileExists(t *testing.T) {
	dir := t.TempDir()
	modelFile := filepath.Join(dir, "model.gguf")
	os.WriteFile(modelFile, []byte("fake weights"), 0o644)
	os.WriteFile(modelFile+".partial", []byte(""), 0o644)
	writeBuiltin(t, dir, map[string]*models.ModelEntry{
		"m1": {Recipe: models.RecipeLlamaCPP, Checkpoints: map[string]string{"main": "org/repo"}},
	})
	resolver := &fakeResolver{resolved: map[string]string{"m1": modelFile}}
	c, err := catalog.New(dir, "", resolver, nil, hardwareSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	list := c.List(true)
	if list["m1"].Downloaded {
		t.Error("expected Downloaded=false while a .partial sibling exists")
	}
}

func TestRegisterUserPersistsAndIsRetrievable(t *testing.T) {
	dir := t.TempDir()
	writeBuiltin(t, dir, map[string]*models.ModelEntry{})
	c, err := catalog.New(dir, "", nil, nil, hardwareSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	e := &models.ModelEntry{Recipe: models.RecipeLlamaCPP, Checkpoints: map[string]string{"main": "/abs/path.gguf"}}
	if err := c.RegisterUser("mine", e); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	got, err := c.Get("user.mine")
	if err != nil {
		t.Fatalf("Get(user.mine): %v", err)
	}
	if got.Recipe != models.RecipeLlamaCPP {
		t.Errorf("Recipe = %q", got.Recipe)
	}

	if _, err := os.Stat(filepath.Join(dir, "user_models.json")); err != nil {
		t.Errorf("expected user_models.json to be written: %v", err)
	}
}

func TestDuplicateNameDropsAutoDiscoveredEntry(t *testing.T) {
	dir := t.TempDir()
	scanDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(scanDir, "extra.m1.gguf"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeBuiltin(t, dir, map[string]*models.ModelEntry{
		"extra.extra.m1.gguf": {Recipe: models.RecipeLlamaCPP, Checkpoints: map[string]string{"main": "org/repo"}},
	})
	c, err := catalog.New(dir, scanDir, nil, nil, hardwareSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	// The built-in entry wins; this only asserts no panic/collision
	// failure and that exactly one "extra.extra.m1.gguf" entry exists.
	list := c.List(true)
	count := 0
	for name := range list {
		if name == "extra.extra.m1.gguf" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one surviving entry on name collision, got %d", count)
	}
}

func TestRemoveFromCacheDeletesEntry(t *testing.T) {
	dir := t.TempDir()
	writeBuiltin(t, dir, map[string]*models.ModelEntry{})
	c, err := catalog.New(dir, "", nil, nil, hardwareSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	e := &models.ModelEntry{Recipe: models.RecipeLlamaCPP, Checkpoints: map[string]string{"main": "/abs/path.gguf"}}
	if err := c.RegisterUser("mine", e); err != nil {
		t.Fatal(err)
	}
	c.RemoveFromCache("user.mine")
	if c.Exists("user.mine") {
		t.Error("expected user.mine to be gone after RemoveFromCache")
	}
}

func hardwareSnapshot() hardware.Snapshot { return hardware.Snapshot{} }
