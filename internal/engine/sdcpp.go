package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SDCPPAdapter drives the image-generation engine.
type SDCPPAdapter struct {
	subprocess
	http *http.Client
}

func NewSDCPPAdapter() *SDCPPAdapter {
	return &SDCPPAdapter{http: &http.Client{Timeout: 10 * time.Minute}}
}

func (a *SDCPPAdapter) Install(ctx context.Context, backend string) error {
	in := newInstaller("sd-cpp", "/var/lib/lemonade/engines", nil)
	_, err := in.ensure(ctx, backend, "b1", "")
	return err
}

func (a *SDCPPAdapter) Load(ctx context.Context, spec LoadSpec) error {
	args := []string{"--model", spec.Checkpoint}
	if spec.CustomArgs != "" {
		args = append(args, splitArgs(spec.CustomArgs)...)
	}
	_, err := a.subprocess.start(ctx, spawnOpts{
		bin: "sd-server",
		argsFn: func(port int) []string {
			return append(append([]string{}, args...), "--port", fmt.Sprintf("%d", port))
		},
		healthPathFn: func(port int) string {
			return fmt.Sprintf("http://127.0.0.1:%d/health", port)
		},
		readyTimeout: time.Duration(spec.Timeout) * time.Second,
	})
	return err
}

func (a *SDCPPAdapter) Unload(ctx context.Context) error {
	return a.subprocess.stop()
}

func (a *SDCPPAdapter) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", a.Port())
}

func (a *SDCPPAdapter) ImageGenerations(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+"/v1/images/generations", bytes.NewReader(req))
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
