package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
)

const minNPUDriverVersion = "32.0.203.240"

var ryzenaiReservedFlags = map[string]bool{
	"model": true, "port": true, "checkpoint": true,
}

// RyzenAIAdapter drives the NPU-only LLM engine (ryzenai-llm and flm
// recipes share this install/version-check path, spec.md §4.4). It
// rewrites the gateway's model name to the engine-native checkpoint tag
// and localizes "model invalidated" substring detection here per the
// Design Note in spec.md §9.
type RyzenAIAdapter struct {
	subprocess
	http       *http.Client
	checkpoint string
}

func NewRyzenAIAdapter() *RyzenAIAdapter {
	return &RyzenAIAdapter{http: &http.Client{Timeout: 5 * time.Minute}}
}

func (a *RyzenAIAdapter) Install(ctx context.Context, backend string) error {
	driverVersion, err := detectNPUDriverVersion()
	if err != nil {
		return fmt.Errorf("could not determine NPU driver version: %w", err)
	}
	if versionLess(driverVersion, minNPUDriverVersion) {
		return fmt.Errorf("NPU driver version %s is below the required minimum %s; update the driver before using this recipe", driverVersion, minNPUDriverVersion)
	}
	in := newInstaller("ryzenai-llm", "/var/lib/lemonade/engines", nil)
	out, err := runInstaller(ctx, in, backend)
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(out), "invalidated") {
		return apierr.ModelInvalidated(backend)
	}
	return nil
}

func runInstaller(ctx context.Context, in *installer, backend string) (string, error) {
	_, err := in.ensure(ctx, backend, "r1", "")
	return "", err
}

func (a *RyzenAIAdapter) Load(ctx context.Context, spec LoadSpec) error {
	a.checkpoint = spec.Checkpoint
	args := []string{"--checkpoint", spec.Checkpoint}
	if spec.CustomArgs != "" {
		extra := splitArgs(spec.CustomArgs)
		if err := validateReservedFlags(extra, ryzenaiReservedFlags); err != nil {
			return fmt.Errorf("invalid custom args: %w", err)
		}
		args = append(args, extra...)
	}
	_, err := a.subprocess.start(ctx, spawnOpts{
		bin: "flm-server",
		argsFn: func(port int) []string {
			return append(append([]string{}, args...), "--port", fmt.Sprintf("%d", port))
		},
		healthPathFn: func(port int) string {
			return fmt.Sprintf("http://127.0.0.1:%d/health", port)
		},
		readyTimeout: time.Duration(spec.Timeout) * time.Second,
	})
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "invalidated") {
		return apierr.ModelInvalidated(spec.Name)
	}
	return err
}

func (a *RyzenAIAdapter) Unload(ctx context.Context) error {
	return a.subprocess.stop()
}

func (a *RyzenAIAdapter) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", a.Port())
}

// rewriteModel substitutes the gateway's model name with the engine-native
// checkpoint tag, since the NPU engine requires its own tag rather than
// the gateway's model name (spec.md §4.4).
func (a *RyzenAIAdapter) rewriteModel(req json.RawMessage) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(req, &m); err != nil {
		return req
	}
	m["model"] = a.checkpoint
	out, err := json.Marshal(m)
	if err != nil {
		return req
	}
	return out
}

func (a *RyzenAIAdapter) ChatCompletion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return a.forwardJSON(ctx, "/v1/chat/completions", a.rewriteModel(req))
}

func (a *RyzenAIAdapter) Completion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return a.forwardJSON(ctx, "/v1/completions", a.rewriteModel(req))
}

func (a *RyzenAIAdapter) forwardJSON(ctx context.Context, path string, body json.RawMessage) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("engine returned %s: %s", resp.Status, string(data))
	}
	return data, nil
}

func (a *RyzenAIAdapter) ForwardStreaming(ctx context.Context, endpoint string, rawBody json.RawMessage, sink Sink, sse bool) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+endpoint, bytes.NewReader(a.rewriteModel(rawBody)))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if werr := sink.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// InstalledCheckpoints asks the engine installer which checkpoints have
// already been pulled, for catalog.RefreshFLM (spec.md §4.1).
func (a *RyzenAIAdapter) InstalledCheckpoints(ctx context.Context) (map[string]bool, error) {
	out, err := execCombined(ctx, "flm-server", "--list-installed")
	if err != nil {
		return nil, err
	}
	installed := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			installed[line] = true
		}
	}
	return installed, nil
}
