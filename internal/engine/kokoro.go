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

// KokoroAdapter drives the text-to-speech engine. AudioSpeech streams
// PCM chunks to the sink when the caller requests streaming, otherwise
// returns the full encoded payload (spec.md §6 /audio/speech).
type KokoroAdapter struct {
	subprocess
	http *http.Client
}

func NewKokoroAdapter() *KokoroAdapter {
	return &KokoroAdapter{http: &http.Client{Timeout: 5 * time.Minute}}
}

func (a *KokoroAdapter) Install(ctx context.Context, backend string) error {
	in := newInstaller("kokoro", "/var/lib/lemonade/engines", nil)
	_, err := in.ensure(ctx, backend, "b1", "")
	return err
}

func (a *KokoroAdapter) Load(ctx context.Context, spec LoadSpec) error {
	args := []string{"--model", spec.Checkpoint}
	if spec.CustomArgs != "" {
		args = append(args, splitArgs(spec.CustomArgs)...)
	}
	_, err := a.subprocess.start(ctx, spawnOpts{
		bin: "kokoro-server",
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

func (a *KokoroAdapter) Unload(ctx context.Context) error {
	return a.subprocess.stop()
}

func (a *KokoroAdapter) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", a.Port())
}

func (a *KokoroAdapter) AudioSpeech(ctx context.Context, req json.RawMessage, sink Sink) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+"/v1/audio/speech", bytes.NewReader(req))
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
