package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// installer locates or fetches an engine binary (spec.md §4.4 "install").
type installer struct {
	recipe      string
	installRoot string
	binOverride func(recipe, backend string) string
}

func newInstaller(recipe, installRoot string, binOverride func(recipe, backend string) string) *installer {
	return &installer{recipe: recipe, installRoot: installRoot, binOverride: binOverride}
}

// ensure returns the path to a binary for backend at requiredVersion,
// downloading/extracting it if missing or stale.
func (in *installer) ensure(ctx context.Context, backend, requiredVersion, downloadURL string) (string, error) {
	if in.binOverride != nil {
		if p := in.binOverride(in.recipe, backend); p != "" {
			return p, nil
		}
	}

	dir := filepath.Join(in.installRoot, in.recipe, backend)
	versionFile := filepath.Join(dir, "version.txt")
	binPath := filepath.Join(dir, binaryName(in.recipe))

	if data, err := os.ReadFile(versionFile); err == nil && strings.TrimSpace(string(data)) == requiredVersion {
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	// Stale or missing install: remove and re-download.
	_ = os.RemoveAll(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating install dir: %w", err)
	}

	if downloadURL == "" {
		return "", fmt.Errorf("no download URL configured for %s/%s and no LEMONADE_%s_BIN override set", in.recipe, backend, strings.ToUpper(in.recipe))
	}

	if err := downloadAndExtract(ctx, downloadURL, dir); err != nil {
		return "", fmt.Errorf("installing %s/%s: %w", in.recipe, backend, err)
	}
	if err := os.WriteFile(versionFile, []byte(requiredVersion), 0o644); err != nil {
		log.Warn().Err(err).Msg("failed to record engine install version")
	}
	return binPath, nil
}

func binaryName(recipe string) string {
	name := recipe
	if os.PathSeparator == '\\' {
		return name + ".exe"
	}
	return name
}

// downloadAndExtract fetches an archive and extracts it with the
// OS-native tool, per spec.md §4.4 ("Extraction uses the OS-native
// tool"). A minimal stdlib implementation: plain HTTP GET to a local
// file; archive formats are delegated to `tar`/`unzip` on the host
// rather than a vendored archive library.
func downloadAndExtract(ctx context.Context, url, destDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %s", resp.Status)
	}

	archivePath := filepath.Join(destDir, filepath.Base(url))
	f, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	f.Close()

	return extractArchive(ctx, archivePath, destDir)
}

func extractArchive(ctx context.Context, archivePath, destDir string) error {
	var cmd *exec.Cmd
	switch {
	case strings.HasSuffix(archivePath, ".zip") || runtime.GOOS == "windows":
		cmd = exec.CommandContext(ctx, "unzip", "-o", archivePath, "-d", destDir)
	default:
		cmd = exec.CommandContext(ctx, "tar", "-xzf", archivePath, "-C", destDir)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("extracting %s: %w: %s", archivePath, err, string(out))
	}
	return os.Remove(archivePath)
}
