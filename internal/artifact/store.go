// Package artifact downloads and resolves model files: remote repository
// files with a resumable manifest, or local files, with progress and
// cancellation (spec.md §4.3).
package artifact

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lemonade-sh/lemonade-gateway/internal/config"
	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

var tracer = otel.Tracer("lemonade-gateway/artifact")

const (
	connectTimeout   = 60 * time.Second
	lowSpeedWindow   = 60 * time.Second
	lowSpeedFloor    = 1024 // bytes/sec
	retryInitial     = 2 * time.Second
	retryMax         = 120 * time.Second
	retryMaxAttempts = 10
)

var wellKnownConfigFiles = []string{"config.json", "tokenizer.json", "tokenizer_config.json", "tokenizer.model"}

// Store implements the Artifact Store's single public operation.
type Store struct {
	cfg    *config.Config
	client RepoClient
}

func NewStore(cfg *config.Config, client RepoClient) *Store {
	return &Store{cfg: cfg, client: client}
}

// Download resolves and fetches entry's files, writing a manifest and
// resuming partial transfers (spec.md §4.3).
func (s *Store) Download(ctx context.Context, entry *models.ModelEntry, doNotUpgrade bool, sink ProgressSink) error {
	ctx, span := tracer.Start(ctx, "ArtifactStore.Download", trace.WithAttributes(
		attribute.String("model", entry.Name),
		attribute.String("recipe", string(entry.Recipe)),
		attribute.Bool("do_not_upgrade", doNotUpgrade),
	))
	defer span.End()

	if entry.Source == models.SourceLocalUpload {
		return s.localImport(entry)
	}
	if entry.Recipe == models.RecipeFLM {
		return s.downloadViaEngine(ctx, entry, sink)
	}

	repoID, variant := splitCheckpoint(entry.Checkpoints["main"])
	snapshotRoot, err := s.snapshotRoot(ctx, repoID, doNotUpgrade)
	if err != nil {
		return err
	}

	files, err := s.fileSet(ctx, repoID, snapshotRoot.revision, variant, entry)
	if err != nil {
		return err
	}

	manifest := &models.ArtifactManifest{RepoID: repoID, Revision: snapshotRoot.revision}
	for _, f := range files {
		manifest.Files = append(manifest.Files, models.ArtifactManifestFile{
			Path: f.Path, URL: f.Path, Bytes: f.Bytes,
		})
	}
	manifestPath := filepath.Join(snapshotRoot.dir, ".download_manifest.json")
	if err := writeManifest(manifestPath, manifest); err != nil {
		return apierr.Internal("writing download manifest: %v", err)
	}

	total := len(files)
	for i, f := range files {
		sink.Emit(ProgressEvent{Stage: "start_file", File: f.Path, FileIndex: i, TotalFiles: total})
		if sink.Cancelled() {
			return &apierr.CancelledError{}
		}
		dest := filepath.Join(snapshotRoot.dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return apierr.Internal("creating directory for %s: %v", f.Path, err)
		}
		if err := s.downloadOneFile(ctx, repoID, snapshotRoot.revision, f, dest, sink, i, total); err != nil {
			if _, ok := err.(*apierr.CancelledError); ok {
				return err
			}
			return &apierr.DownloadIncompleteError{Reason: fmt.Sprintf("file %s: %v", f.Path, err)}
		}
	}

	if err := s.validate(manifest, snapshotRoot.dir); err != nil {
		return err
	}
	os.Remove(manifestPath)
	sink.Emit(ProgressEvent{Stage: "complete", TotalFiles: total})
	return nil
}

type snapshot struct {
	dir      string
	revision string
}

func (s *Store) snapshotRoot(ctx context.Context, repoID string, doNotUpgrade bool) (snapshot, error) {
	dirName := "models--" + strings.ReplaceAll(repoID, "/", "--")
	base := filepath.Join(s.cfg.HFHubCache, dirName)
	refPath := filepath.Join(base, "refs", "main")

	if doNotUpgrade {
		if rev := readRefMain(refPath); rev != "" {
			dir := filepath.Join(base, "snapshots", rev)
			if _, err := os.Stat(dir); err == nil {
				return snapshot{dir: dir, revision: rev}, nil
			}
		}
	}

	if s.cfg.Offline {
		if rev := readRefMain(refPath); rev != "" {
			return snapshot{dir: filepath.Join(base, "snapshots", rev), revision: rev}, nil
		}
		return snapshot{}, apierr.Internal("offline mode: no cached revision for %s", repoID)
	}

	md, err := s.client.Metadata(ctx, repoID)
	if err != nil {
		return snapshot{}, &apierr.TransientError{Wrapped: err}
	}
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return snapshot{}, apierr.Internal("creating refs dir: %v", err)
	}
	if err := os.WriteFile(refPath, []byte(md.Revision), 0o644); err != nil {
		return snapshot{}, apierr.Internal("writing refs/main: %v", err)
	}
	dir := filepath.Join(base, "snapshots", md.Revision)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return snapshot{}, apierr.Internal("creating snapshot dir: %v", err)
	}
	return snapshot{dir: dir, revision: md.Revision}, nil
}

func (s *Store) fileSet(ctx context.Context, repoID, revision, variant string, entry *models.ModelEntry) ([]RepoFile, error) {
	if variant != "" && strings.HasSuffix(variant, ".safetensors") {
		return []RepoFile{{Path: variant}}, nil
	}

	tree, err := s.client.Tree(ctx, repoID, revision)
	if err != nil {
		return nil, &apierr.TransientError{Wrapped: err}
	}

	var files []RepoFile
	if entry.Recipe == models.RecipeLlamaCPP {
		for _, f := range tree {
			lower := strings.ToLower(f.Path)
			if strings.HasSuffix(lower, ".gguf") {
				if variant == "" || matchesGGUFVariant(f.Path, variant) {
					files = append(files, f)
				}
			}
			for _, cfgFile := range wellKnownConfigFiles {
				if f.Path == cfgFile {
					files = append(files, f)
				}
			}
		}
		if len(files) > 0 {
			return dedupFiles(files), nil
		}
	}

	if variant == "" {
		return tree, nil
	}
	return tree, nil
}

func matchesGGUFVariant(path, variant string) bool {
	lowerPath := strings.ToLower(path)
	lowerVariant := strings.ToLower(variant)
	return strings.Contains(lowerPath, lowerVariant)
}

func dedupFiles(files []RepoFile) []RepoFile {
	seen := make(map[string]bool)
	var out []RepoFile
	for _, f := range files {
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *Store) downloadOneFile(ctx context.Context, repoID, revision string, f RepoFile, dest string, sink ProgressSink, idx, total int) error {
	partial := dest + ".partial"

	op := func() error {
		offset := int64(0)
		if st, err := os.Stat(partial); err == nil {
			offset = st.Size()
		}
		rc, _, err := s.client.GetRange(ctx, repoID, revision, f.Path, offset)
		if err != nil {
			return err
		}
		defer rc.Close()

		out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer out.Close()

		written := offset
		buf := make([]byte, 256*1024)
		lastProgress := time.Now()
		windowStart := time.Now()
		windowBytes := offset
		for {
			if sink.Cancelled() {
				return backoff.Permanent(&apierr.CancelledError{})
			}
			n, rerr := rc.Read(buf)
			if n > 0 {
				if _, werr := out.Write(buf[:n]); werr != nil {
					return werr
				}
				written += int64(n)
				if time.Since(lastProgress) > 200*time.Millisecond {
					pct := 0.0
					if f.Bytes > 0 {
						pct = float64(written) / float64(f.Bytes) * 100
					}
					sink.Emit(ProgressEvent{
						Stage: "progress", File: f.Path, FileIndex: idx, TotalFiles: total,
						BytesDownloaded: written, BytesTotal: f.Bytes, Percent: pct,
					})
					lastProgress = time.Now()
				}
				if elapsed := time.Since(windowStart); elapsed >= lowSpeedWindow {
					if written-windowBytes < lowSpeedFloor*int64(elapsed/time.Second) {
						return fmt.Errorf("low-speed watchdog triggered for %s", f.Path)
					}
					windowStart = time.Now()
					windowBytes = written
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
		return os.Rename(partial, dest)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitial
	b.MaxInterval = retryMax
	b.MaxElapsedTime = 0 // bounded by retryMaxAttempts via WithMaxRetries below

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("file", f.Path).Dur("wait", wait).Msg("download attempt failed, retrying")
	}

	// WithMaxRetries counts retries after the first attempt.
	err := backoff.RetryNotify(op, backoff.WithMaxRetries(b, retryMaxAttempts-1), notify)
	if cancelled, ok := err.(*apierr.CancelledError); ok {
		return cancelled
	}
	return err
}

func (s *Store) validate(manifest *models.ArtifactManifest, dir string) error {
	for _, f := range manifest.Files {
		dest := filepath.Join(dir, f.Path)
		info, err := os.Stat(dest)
		if err != nil {
			return &apierr.DownloadIncompleteError{Reason: fmt.Sprintf("missing file %s", f.Path)}
		}
		if _, err := os.Stat(dest + ".partial"); err == nil {
			return &apierr.DownloadIncompleteError{Reason: fmt.Sprintf("partial file remains for %s", f.Path)}
		}
		if f.Bytes > 0 && info.Size() != f.Bytes {
			return &apierr.DownloadIncompleteError{Reason: fmt.Sprintf("size mismatch for %s: got %d want %d", f.Path, info.Size(), f.Bytes)}
		}
	}
	return nil
}

func writeManifest(path string, m *models.ArtifactManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// localImport is the fast path for source=local_upload, local_import=true:
// it skips downloading, resolves the entry's existing checkpoint roles and
// fails if "main" does not resolve. It does not search for an mmproj file
// and does not register a user entry.
func (s *Store) localImport(entry *models.ModelEntry) error {
	resolver := NewResolver(s.cfg)
	resolved := resolver.Resolve(entry)
	if resolved["main"] == "" {
		return apierr.InvalidRequest("could not resolve main checkpoint for local import of %q", entry.Name)
	}
	return nil
}

// downloadViaEngine delegates to the NPU engine's own pull command,
// parsing its stdout progress lines into the same ProgressEvent shape
// used for HTTP downloads; a cancelled sink kills the subprocess
// (spec.md §4.3 "NPU-specific engine download").
func (s *Store) downloadViaEngine(ctx context.Context, entry *models.ModelEntry, sink ProgressSink) error {
	checkpoint := entry.Checkpoints["main"]

	bin := s.cfg.EngineBin("flm", "")
	if bin == "" {
		bin = "flm-server"
	}

	cmd := exec.CommandContext(ctx, bin, "--pull", checkpoint)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apierr.Internal("starting flm pull for %q: %v", checkpoint, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return apierr.Internal("starting flm pull for %q: %v", checkpoint, err)
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ticker.C:
				if sink.Cancelled() {
					_ = cmd.Process.Kill()
					return
				}
			}
		}
	}()

	sink.Emit(ProgressEvent{Stage: "start_file", File: checkpoint, FileIndex: 0, TotalFiles: 1})

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			sink.Emit(parseEngineProgressLine(line))
		}
	}

	if err := cmd.Wait(); err != nil {
		if sink.Cancelled() {
			return &apierr.CancelledError{}
		}
		return apierr.Internal("flm pull for %q failed: %v", checkpoint, err)
	}

	sink.Emit(ProgressEvent{Stage: "complete", File: checkpoint, TotalFiles: 1, Percent: 100})
	return nil
}

var enginePercentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// parseEngineProgressLine turns one line of the engine pull command's
// stdout into a ProgressEvent; a line with no recognizable percentage
// still surfaces as a message-only progress tick rather than being
// dropped.
func parseEngineProgressLine(line string) ProgressEvent {
	evt := ProgressEvent{Stage: "progress", Message: line}
	if m := enginePercentRe.FindStringSubmatch(line); m != nil {
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
			evt.Percent = pct
		}
	}
	return evt
}
