package artifact

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lemonade-sh/lemonade-gateway/internal/config"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

// Resolver implements catalog.PathResolver: it maps a ModelEntry's
// checkpoint references to absolute on-disk paths under the repository
// cache root (spec.md §4.1 "Path resolution rules").
type Resolver struct {
	cfg *config.Config
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve applies spec.md §4.1's per-role resolution rules.
func (r *Resolver) Resolve(e *models.ModelEntry) map[string]string {
	out := make(map[string]string, len(e.Checkpoints))
	for role, ref := range e.Checkpoints {
		out[role] = r.resolveOne(e, role, ref)
	}
	return out
}

func (r *Resolver) resolveOne(e *models.ModelEntry, role, ref string) string {
	if e.Recipe == models.RecipeFLM {
		return ref // engine manages its own storage
	}
	if e.Source == models.SourceLocalPath {
		return ref
	}
	if e.Source == models.SourceLocalUpload {
		return filepath.Join(r.cfg.CacheRoot, ref)
	}

	repoID, variant := splitCheckpoint(ref)
	snapshotDir := r.snapshotDir(repoID)

	switch {
	case e.Recipe == models.RecipeLlamaCPP && role == "main":
		return resolveGGUF(snapshotDir, variant, r.cfg.StrictVariantMatch)
	case e.Recipe == models.RecipeRyzenAILLM:
		return findAncestorWith(snapshotDir, "genai_config.json")
	case e.Recipe == models.RecipeKokoro:
		return findFileNamed(snapshotDir, "index.json")
	case e.Recipe == models.RecipeWhisperCPP && variant == "":
		return firstSorted(snapshotDir, ".bin")
	case variant != "":
		return findExactFilename(snapshotDir, variant)
	default:
		return snapshotDir
	}
}

// splitCheckpoint splits "repo_id[:variant]" into its parts; a bare
// absolute path is returned as (path, "").
func splitCheckpoint(ref string) (repoID, variant string) {
	if strings.HasPrefix(ref, "/") || strings.Contains(ref, ":\\") {
		return ref, ""
	}
	if idx := strings.Index(ref, ":"); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, ""
}

func (r *Resolver) snapshotDir(repoID string) string {
	dirName := "models--" + strings.ReplaceAll(repoID, "/", "--")
	base := filepath.Join(r.cfg.HFHubCache, dirName, "snapshots")
	commit := readRefMain(filepath.Join(r.cfg.HFHubCache, dirName, "refs", "main"))
	if commit == "" {
		// No ref recorded yet (not downloaded): return a plausible path so
		// callers can stat() it and observe "does not exist" per spec.md
		// §4.1's download-complete check.
		return filepath.Join(base, "main")
	}
	return filepath.Join(base, commit)
}

func readRefMain(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// resolveGGUF implements the (a)-(d) variant matching rules, falling
// back to the first sorted file per the Open Question decision in
// DESIGN.md (preserve literal source behavior unless StrictVariantMatch).
func resolveGGUF(dir, variant string, strict bool) string {
	files := ggufFiles(dir)
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)

	if variant == "" || variant == "*" {
		return files[0]
	}
	lowerVariant := strings.ToLower(variant)
	if strings.HasSuffix(lowerVariant, ".gguf") || strings.HasSuffix(lowerVariant, ".bin") {
		for _, f := range files {
			if filepath.Base(f) == variant {
				return f
			}
		}
	}
	for _, f := range files {
		if strings.HasSuffix(strings.ToLower(filepath.Base(f)), lowerVariant+".gguf") {
			return f
		}
	}
	prefix := lowerVariant + string(filepath.Separator)
	for _, f := range files {
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			continue
		}
		if strings.HasPrefix(strings.ToLower(rel), prefix) {
			return f
		}
	}
	if strict {
		return ""
	}
	return files[0]
}

func ggufFiles(dir string) []string {
	var out []string
	_ = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		lower := strings.ToLower(fi.Name())
		if strings.HasSuffix(lower, ".gguf") && !strings.Contains(lower, "mmproj") {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func findAncestorWith(dir, filename string) string {
	var found string
	_ = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() && fi.Name() == filename && found == "" {
			found = filepath.Dir(path)
		}
		return nil
	})
	return found
}

func findFileNamed(dir, filename string) string {
	var found string
	_ = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() && fi.Name() == filename && found == "" {
			found = path
		}
		return nil
	})
	return found
}

func firstSorted(dir, suffix string) string {
	var files []string
	_ = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		if strings.HasSuffix(strings.ToLower(fi.Name()), suffix) {
			files = append(files, path)
		}
		return nil
	})
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)
	return files[0]
}

func findExactFilename(dir, name string) string {
	var found string
	_ = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() && fi.Name() == name && found == "" {
			found = path
		}
		return nil
	})
	return found
}
