// Package catalog holds the merged, in-memory registry of known models:
// built-in, user-registered, and auto-discovered entries, plus their
// derived status (spec.md §4.1).
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lemonade-sh/lemonade-gateway/internal/hardware"
	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

const rescanInterval = 5 * time.Minute

// PathResolver resolves a ModelEntry's checkpoint references to absolute
// on-disk paths (internal/artifact implements the repo-cache side).
type PathResolver interface {
	Resolve(entry *models.ModelEntry) map[string]string
}

// Catalog is the merged registry. All mutations take mu; readers copy
// the entry they need (spec.md §4.1 concurrency note).
type Catalog struct {
	mu sync.RWMutex

	builtinPath string
	userPath    string
	optionsPath string
	scanDir     string

	builtin map[string]*models.ModelEntry
	user    map[string]*models.ModelEntry
	extra   map[string]*models.ModelEntry
	options map[string]map[string]models.RecipeOption

	cache map[string]*models.ModelEntry

	resolver PathResolver
	filter   *hardware.Filter
	snapshot hardware.Snapshot

	stopCh  chan struct{}
	running bool
}

type userEntryFile struct {
	Checkpoint string   `json:"checkpoint"`
	Recipe     string   `json:"recipe"`
	Labels     []string `json:"labels,omitempty"`
	Mmproj     string   `json:"mmproj,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// New constructs a Catalog. builtinPath must exist and be well-formed;
// a missing/malformed builtin catalog is fatal at startup (spec.md §4.1).
func New(cacheRoot, scanDir string, resolver PathResolver, filter *hardware.Filter, snapshot hardware.Snapshot) (*Catalog, error) {
	c := &Catalog{
		builtinPath: filepath.Join(cacheRoot, "server_models.json"),
		userPath:    filepath.Join(cacheRoot, "user_models.json"),
		optionsPath: filepath.Join(cacheRoot, "recipe_options.json"),
		scanDir:     scanDir,
		resolver:    resolver,
		filter:      filter,
		snapshot:    snapshot,
		stopCh:      make(chan struct{}),
	}

	builtin, err := loadBuiltin(c.builtinPath)
	if err != nil {
		return nil, fmt.Errorf("loading built-in catalog: %w", err)
	}
	c.builtin = builtin

	c.user = loadUser(c.userPath)
	c.options = loadOptions(c.optionsPath)
	c.extra = scanExtraModels(c.scanDir)

	c.rebuildCache()
	return c, nil
}

func loadBuiltin(path string) (map[string]*models.ModelEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("built-in catalog missing at %s: %w", path, err)
	}
	var raw map[string]*models.ModelEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed built-in catalog: %w", err)
	}
	for name, e := range raw {
		e.Name = name
		e.Type = models.TypeFromLabels(e.Labels)
	}
	return raw, nil
}

func loadUser(path string) map[string]*models.ModelEntry {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]*models.ModelEntry{}
	}
	var raw map[string]userEntryFile
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("malformed user catalog, ignoring")
		return map[string]*models.ModelEntry{}
	}
	out := make(map[string]*models.ModelEntry, len(raw))
	for suffix, uf := range raw {
		name := "user." + suffix
		e := &models.ModelEntry{
			Name:        name,
			Recipe:      models.Recipe(uf.Recipe),
			Labels:      uf.Labels,
			Checkpoints: map[string]string{"main": uf.Checkpoint},
			Source:      models.EntrySource(uf.Source),
		}
		if uf.Mmproj != "" {
			e.Checkpoints["mmproj"] = uf.Mmproj
		}
		e.Type = models.TypeFromLabels(e.Labels)
		out[name] = e
	}
	return out
}

func loadOptions(path string) map[string]map[string]models.RecipeOption {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]map[string]models.RecipeOption{}
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("malformed recipe options, ignoring")
		return map[string]map[string]models.RecipeOption{}
	}
	out := make(map[string]map[string]models.RecipeOption, len(raw))
	for name, opts := range raw {
		m := make(map[string]models.RecipeOption, len(opts))
		for k, v := range opts {
			m[k] = models.Opt(v)
		}
		out[name] = m
	}
	return out
}

// scanExtraModels implements the auto-discovery scan rules (spec.md §4.1).
func scanExtraModels(scanDir string) map[string]*models.ModelEntry {
	out := make(map[string]*models.ModelEntry)
	if scanDir == "" {
		return out
	}
	info, err := os.Stat(scanDir)
	if err != nil || !info.IsDir() {
		return out
	}

	byDir := make(map[string][]string)
	var rootFiles []string

	_ = filepath.Walk(scanDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(path), ".gguf") {
			return nil
		}
		dir := filepath.Dir(path)
		if dir == scanDir {
			rootFiles = append(rootFiles, path)
		} else {
			byDir[dir] = append(byDir[dir], path)
		}
		return nil
	})

	for _, f := range rootFiles {
		name := "extra." + filepath.Base(f)
		out[name] = &models.ModelEntry{
			Name:        name,
			Recipe:      models.RecipeLlamaCPP,
			Labels:      []string{models.LabelCustom},
			Checkpoints: map[string]string{"main": f},
			Source:      models.SourceExtraModelsDir,
			Type:        models.ModelTypeLLM,
		}
	}

	for dir, files := range byDir {
		sort.Strings(files)
		name := "extra." + filepath.Base(dir)
		var main string
		var mmproj string
		labels := []string{models.LabelCustom}
		for _, f := range files {
			base := strings.ToLower(filepath.Base(f))
			if strings.Contains(base, "mmproj") {
				mmproj = f
				labels = append(labels, models.LabelVision)
				continue
			}
			if main == "" {
				main = f
			}
		}
		if main == "" {
			continue
		}
		e := &models.ModelEntry{
			Name:        name,
			Recipe:      models.RecipeLlamaCPP,
			Labels:      labels,
			Checkpoints: map[string]string{"main": main},
			Source:      models.SourceExtraModelsDir,
			Type:        models.TypeFromLabels(labels),
		}
		if mmproj != "" {
			e.Checkpoints["mmproj"] = mmproj
		}
		out[name] = e
	}
	return out
}

// rebuildCache merges builtin+user+extra, applies recipe options, resolves
// paths, derives Downloaded, and runs the support filter. Collisions on
// name during discovery drop the extra-discovered entry with a warning
// (spec.md §3 invariant i).
func (c *Catalog) rebuildCache() {
	cache := make(map[string]*models.ModelEntry)

	merge := func(src map[string]*models.ModelEntry, warnOnCollision bool) {
		for name, e := range src {
			if _, exists := cache[name]; exists {
				if warnOnCollision {
					log.Warn().Str("name", name).Msg("duplicate model name during catalog merge, dropping auto-discovered entry")
					continue
				}
			}
			clone := *e
			if opts, ok := c.options[name]; ok {
				clone.RecipeOptions = opts
			}
			if c.resolver != nil {
				clone.ResolvedPaths = c.resolver.Resolve(&clone)
			}
			clone.Downloaded = isDownloaded(&clone)
			if clone.Type == "" {
				clone.Type = models.TypeFromLabels(clone.Labels)
			}
			cache[name] = &clone
		}
	}

	merge(c.builtin, false)
	merge(c.user, false)
	merge(c.extra, true)

	if c.filter != nil {
		for name, e := range cache {
			if !c.filter.Allowed(e, c.snapshot) {
				delete(cache, name)
			}
		}
	}

	c.cache = cache
}

func isDownloaded(e *models.ModelEntry) bool {
	p, ok := e.ResolvedPaths["main"]
	if !ok || p == "" {
		return false
	}
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	if info.IsDir() {
		entries, err := os.ReadDir(p)
		if err != nil {
			return false
		}
		for _, c := range entries {
			if strings.HasSuffix(c.Name(), ".partial") || c.Name() == ".download_manifest.json" {
				return false
			}
		}
		return true
	}
	if _, err := os.Stat(p + ".partial"); err == nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(p), ".download_manifest.json")); err == nil {
		return false
	}
	return true
}

// ── Public operations (spec.md §4.1) ────────────────────────────────

func (c *Catalog) List(showAll bool) map[string]*models.ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*models.ModelEntry, len(c.cache))
	for name, e := range c.cache {
		if !showAll && !e.Downloaded {
			continue
		}
		clone := *e
		out[name] = &clone
	}
	return out
}

func (c *Catalog) Get(name string) (*models.ModelEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cache[name]
	if !ok {
		return nil, apierr.NotFound("model %q not found", name)
	}
	clone := *e
	return &clone, nil
}

// GetUnfiltered reads raw built-in/user sources ignoring the hardware filter.
func (c *Catalog) GetUnfiltered(name string) (*models.ModelEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.builtin[name]; ok {
		clone := *e
		return &clone, nil
	}
	if e, ok := c.user[name]; ok {
		clone := *e
		return &clone, nil
	}
	if e, ok := c.extra[name]; ok {
		clone := *e
		return &clone, nil
	}
	return nil, apierr.NotFound("model %q not found", name)
}

func (c *Catalog) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.cache[name]
	return ok
}

func (c *Catalog) ExistsUnfiltered(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.builtin[name]
	if ok {
		return true
	}
	_, ok = c.user[name]
	if ok {
		return true
	}
	_, ok = c.extra[name]
	return ok
}

// FilterReason returns empty if not filtered; otherwise the reason
// attached by the Support Filter at cache build time.
func (c *Catalog) FilterReason(name string) string {
	if c.filter == nil {
		return ""
	}
	return c.filter.Reason(name)
}

// RegisterUser persists a new user.<suffix> entry and updates the cache.
func (c *Catalog) RegisterUser(suffix string, e *models.ModelEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := "user." + suffix
	clone := *e
	clone.Name = name
	c.user[name] = &clone
	if err := c.saveUserLocked(); err != nil {
		return err
	}
	c.rebuildCache()
	return nil
}

// SaveOptions persists recipe options to disk and updates the cache.
func (c *Catalog) SaveOptions(name string, opts map[string]models.RecipeOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options[name] = opts
	if err := c.saveOptionsLocked(); err != nil {
		return err
	}
	c.rebuildCache()
	return nil
}

// MarkDownloaded updates the in-memory entry and re-resolves paths if true.
func (c *Catalog) MarkDownloaded(name string, downloaded bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[name]
	if !ok {
		return apierr.NotFound("model %q not found", name)
	}
	e.Downloaded = downloaded
	if downloaded && c.resolver != nil {
		e.ResolvedPaths = c.resolver.Resolve(e)
	}
	return nil
}

// AddToCache / RemoveFromCache perform incremental maintenance after a
// user register/delete without a full rebuild.
func (c *Catalog) AddToCache(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var src *models.ModelEntry
	if e, ok := c.user[name]; ok {
		src = e
	} else if e, ok := c.extra[name]; ok {
		src = e
	}
	if src == nil {
		return
	}
	clone := *src
	if c.resolver != nil {
		clone.ResolvedPaths = c.resolver.Resolve(&clone)
	}
	clone.Downloaded = isDownloaded(&clone)
	c.cache[name] = &clone
}

func (c *Catalog) RemoveFromCache(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, name)
	delete(c.user, name)
	delete(c.extra, name)
	_ = c.saveUserLocked()
}

// RefreshFLM resets the Downloaded flag for NPU LLM recipe entries based
// on what the engine installer reports as already pulled (spec.md §4.1).
func (c *Catalog) RefreshFLM(installed map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, e := range c.cache {
		if e.Recipe != models.RecipeFLM {
			continue
		}
		want := installed[name]
		if want != e.Downloaded {
			log.Info().Str("model", name).Bool("downloaded", want).Msg("flm downloaded status changed")
			e.Downloaded = want
		}
	}
}

func (c *Catalog) saveUserLocked() error {
	raw := make(map[string]userEntryFile, len(c.user))
	for name, e := range c.user {
		suffix := strings.TrimPrefix(name, "user.")
		uf := userEntryFile{
			Checkpoint: e.Checkpoints["main"],
			Recipe:     string(e.Recipe),
			Labels:     e.Labels,
			Mmproj:     e.Checkpoints["mmproj"],
			Source:     string(e.Source),
		}
		raw[suffix] = uf
	}
	return writeJSON(c.userPath, raw)
}

func (c *Catalog) saveOptionsLocked() error {
	raw := make(map[string]map[string]any, len(c.options))
	for name, opts := range c.options {
		m := make(map[string]any, len(opts))
		for k, v := range opts {
			if v.Present {
				m[k] = v.Value
			}
		}
		raw[name] = m
	}
	return writeJSON(c.optionsPath, raw)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ── Background rescan (supplemented feature, SPEC_FULL.md §4.1) ─────

// Start launches a background goroutine that rescans the extra-models
// directory on a ticker so models dropped in while running are picked
// up without a restart.
func (c *Catalog) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(rescanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Refresh()
			}
		}
	}()
}

func (c *Catalog) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
}

// Refresh re-scans the extra-models directory and rebuilds the cache.
func (c *Catalog) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extra = scanExtraModels(c.scanDir)
	c.rebuildCache()
}

func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
