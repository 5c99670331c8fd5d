package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// llamaReservedFlags are flag names this adapter itself sets; a
// matching custom arg fails load with InvalidRequest (spec.md §4.4).
var llamaReservedFlags = map[string]bool{
	"model": true, "m": true, "port": true, "ctx-size": true, "c": true,
	"jinja": true, "no-webui": true, "embeddings": true, "reranking": true,
	"mmproj": true, "host": true,
}

// LlamaCPPAdapter drives a llama.cpp-server-shaped subprocess: GGUF
// LLMs with chat/completion/embeddings/reranking capability, OpenAI
// max_completion_tokens->max_tokens translation, --jinja/--no-webui,
// and a ctx_size floor of 8192 for embedding models (spec.md §4.4).
type LlamaCPPAdapter struct {
	subprocess
	http      *http.Client
	modelType string
}

func NewLlamaCPPAdapter() *LlamaCPPAdapter {
	return &LlamaCPPAdapter{http: &http.Client{Timeout: 5 * time.Minute}}
}

func (a *LlamaCPPAdapter) Install(ctx context.Context, backend string) error {
	in := newInstaller("llamacpp", "/var/lib/lemonade/engines", nil)
	_, err := in.ensure(ctx, backend, "b1", "")
	return err
}

func (a *LlamaCPPAdapter) Load(ctx context.Context, spec LoadSpec) error {
	args := []string{"--model", spec.Checkpoint, "--jinja", "--no-webui"}

	ctxSize := 4096
	if v, ok := spec.Options["ctx_size"]; ok {
		if i, err := toInt(v); err == nil {
			ctxSize = i
		}
	}
	a.modelType = spec.Type
	if spec.Type == "EMBEDDING" && ctxSize < 8192 {
		ctxSize = 8192
	}
	args = append(args, "--ctx-size", strconv.Itoa(ctxSize))

	if spec.Type == "EMBEDDING" {
		args = append(args, "--embeddings")
	}
	if spec.Type == "RERANKING" {
		args = append(args, "--reranking")
	}
	if v, ok := spec.Options["gpu_layers"]; ok {
		if i, err := toInt(v); err == nil {
			args = append(args, "--gpu-layers", strconv.Itoa(i))
		}
	}
	if v, ok := spec.Options["mmproj"]; ok {
		if s, ok := v.(string); ok && s != "" {
			args = append(args, "--mmproj", s)
		}
	}

	if spec.CustomArgs != "" {
		extra := splitArgs(spec.CustomArgs)
		if err := validateReservedFlags(extra, llamaReservedFlags); err != nil {
			return fmt.Errorf("invalid custom args: %w", err)
		}
		args = append(args, extra...)
	}

	baseArgs := append(args, "--host", "127.0.0.1")
	_, err := a.subprocess.start(ctx, spawnOpts{
		bin: "llama-server",
		argsFn: func(port int) []string {
			return append(append([]string{}, baseArgs...), "--port", strconv.Itoa(port))
		},
		healthPathFn: func(port int) string {
			return fmt.Sprintf("http://127.0.0.1:%d/health", port)
		},
		readyTimeout: time.Duration(spec.Timeout) * time.Second,
	})
	return err
}

func (a *LlamaCPPAdapter) Unload(ctx context.Context) error {
	return a.subprocess.stop()
}

func (a *LlamaCPPAdapter) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", a.Port())
}

func (a *LlamaCPPAdapter) ChatCompletion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return a.forwardJSON(ctx, "/v1/chat/completions", translateMaxTokens(req))
}

func (a *LlamaCPPAdapter) Completion(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return a.forwardJSON(ctx, "/v1/completions", req)
}

func (a *LlamaCPPAdapter) Embeddings(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return a.forwardJSON(ctx, "/v1/embeddings", req)
}

func (a *LlamaCPPAdapter) Reranking(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return a.forwardJSON(ctx, "/v1/rerank", req)
}

func (a *LlamaCPPAdapter) Responses(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return a.forwardJSON(ctx, "/v1/responses", req)
}

func (a *LlamaCPPAdapter) ForwardStreaming(ctx context.Context, endpoint string, rawBody json.RawMessage, sink Sink, sse bool) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+endpoint, bytes.NewReader(rawBody))
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

func (a *LlamaCPPAdapter) forwardJSON(ctx context.Context, path string, body json.RawMessage) (json.RawMessage, error) {
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

// translateMaxTokens rewrites OpenAI's max_completion_tokens to the
// engine's max_tokens field (spec.md §4.4).
func translateMaxTokens(req json.RawMessage) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(req, &m); err != nil {
		return req
	}
	if v, ok := m["max_completion_tokens"]; ok {
		m["max_tokens"] = v
		delete(m, "max_completion_tokens")
		if out, err := json.Marshal(m); err == nil {
			return out
		}
	}
	return req
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}
