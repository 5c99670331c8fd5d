package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/lemonade-sh/lemonade-gateway/pkg/apierr"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

func (h *Handlers) serveOrStream(w http.ResponseWriter, r *http.Request, endpoint string, want models.ModelType,
	nonStream func(raw []byte) ([]byte, error)) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := modelFromBody(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.requireType(model, want); err != nil {
		writeError(w, err)
		return
	}

	if !wantsStream(raw) {
		result, err := nonStream(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(result)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sink := newHTTPSink(w)
	if err := h.Gateway.ForwardStream(r.Context(), raw, endpoint, sink, true); err != nil {
		log.Warn().Err(err).Str("model", model).Str("endpoint", endpoint).Msg("stream forwarding failed mid-response")
	}
}

func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.serveOrStream(w, r, "/v1/chat/completions", models.ModelTypeLLM, func(raw []byte) ([]byte, error) {
		return h.Gateway.ChatCompletion(r.Context(), raw)
	})
}

func (h *Handlers) Completions(w http.ResponseWriter, r *http.Request) {
	h.serveOrStream(w, r, "/v1/completions", models.ModelTypeLLM, func(raw []byte) ([]byte, error) {
		return h.Gateway.Completion(r.Context(), raw)
	})
}

func (h *Handlers) Responses(w http.ResponseWriter, r *http.Request) {
	h.serveOrStream(w, r, "/v1/responses", models.ModelTypeLLM, func(raw []byte) ([]byte, error) {
		return h.Gateway.Responses(r.Context(), raw)
	})
}

func (h *Handlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := modelFromBody(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.requireType(model, models.ModelTypeEmbedding); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Gateway.Embeddings(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

func (h *Handlers) Reranking(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := modelFromBody(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.requireType(model, models.ModelTypeReranking); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Gateway.Reranking(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

func (h *Handlers) ImageGenerations(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := modelFromBody(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.requireType(model, models.ModelTypeImage); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Gateway.ImageGenerations(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

// AudioTranscriptions accepts a multipart upload, saves it to a temp
// file, and hands the file path to the resident Transcriber (spec.md
// §6 /audio/transcriptions, §4.4).
func (h *Handlers) AudioTranscriptions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, apierr.InvalidRequest("malformed multipart upload: %v", err))
		return
	}
	model := r.FormValue("model")
	if model == "" {
		writeError(w, apierr.InvalidRequest("missing required field \"model\""))
		return
	}
	if err := h.requireType(model, models.ModelTypeAudio); err != nil {
		writeError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apierr.InvalidRequest("missing required file field \"file\": %v", err))
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "lemonade-upload-*-"+filepath.Base(header.Filename))
	if err != nil {
		writeError(w, apierr.Internal("creating temp file for upload: %v", err))
		return
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := io.Copy(tmp, file); err != nil {
		writeError(w, apierr.Internal("writing uploaded audio to disk: %v", err))
		return
	}
	tmp.Close()

	reqBody, _ := json.Marshal(map[string]string{"file_path": tmp.Name(), "model": model})
	result, err := h.Gateway.AudioTranscriptions(r.Context(), model, reqBody)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

// AudioSpeech streams PCM when stream=true, otherwise buffers and
// returns the full encoded payload in one response (spec.md §6).
func (h *Handlers) AudioSpeech(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := modelFromBody(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.requireType(model, models.ModelTypeAudio); err != nil {
		writeError(w, err)
		return
	}

	if wantsStream(raw) {
		w.Header().Set("Content-Type", "audio/pcm")
		w.WriteHeader(http.StatusOK)
		sink := newHTTPSink(w)
		if err := h.Gateway.AudioSpeech(r.Context(), raw, sink); err != nil {
			log.Warn().Err(err).Str("model", model).Msg("audio speech streaming failed mid-response")
		}
		return
	}

	sink := &bufferSink{}
	if err := h.Gateway.AudioSpeech(r.Context(), raw, sink); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(sink.buf.Bytes())
}
