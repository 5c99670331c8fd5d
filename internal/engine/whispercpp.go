package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// WhisperCPPAdapter drives the ASR engine. Audio arrives as a multipart
// upload which the gateway saves to a temp file and this adapter
// re-posts to the engine (spec.md §4.4). Load passes only the main
// checkpoint; it does not place an NPU compiled cache file beside the
// model.
type WhisperCPPAdapter struct {
	subprocess
	http *http.Client
}

func NewWhisperCPPAdapter() *WhisperCPPAdapter {
	return &WhisperCPPAdapter{http: &http.Client{Timeout: 5 * time.Minute}}
}

func (a *WhisperCPPAdapter) Install(ctx context.Context, backend string) error {
	in := newInstaller("whispercpp", "/var/lib/lemonade/engines", nil)
	_, err := in.ensure(ctx, backend, "b1", "")
	return err
}

func (a *WhisperCPPAdapter) Load(ctx context.Context, spec LoadSpec) error {
	args := []string{"--model", spec.Checkpoint}
	if spec.CustomArgs != "" {
		args = append(args, splitArgs(spec.CustomArgs)...)
	}
	_, err := a.subprocess.start(ctx, spawnOpts{
		bin: "whisper-server",
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

func (a *WhisperCPPAdapter) Unload(ctx context.Context) error {
	return a.subprocess.stop()
}

func (a *WhisperCPPAdapter) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", a.Port())
}

// AudioTranscriptions re-posts a saved temp-file upload to the engine's
// multipart transcription endpoint.
func (a *WhisperCPPAdapter) AudioTranscriptions(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	var payload struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(req, &payload); err != nil {
		return nil, fmt.Errorf("decoding transcription request: %w", err)
	}
	f, err := os.Open(payload.FilePath)
	if err != nil {
		return nil, fmt.Errorf("opening uploaded audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(payload.FilePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	mw.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+"/v1/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
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
