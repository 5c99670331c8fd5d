// Package engine implements per-recipe adapters that manage one engine
// subprocess each and translate gateway calls into that engine's
// protocol (spec.md §4.4).
package engine

import (
	"context"
	"encoding/json"
)

// Adapter is the common, always-present surface every engine adapter
// implements. Optional capabilities are declared via the further
// interfaces below and type-asserted by the scheduler (Design Note,
// spec.md §9: capability interfaces rather than RTTI).
type Adapter interface {
	// Install ensures the engine binary for backend is present at the
	// required version.
	Install(ctx context.Context, backend string) error
	// Load launches the subprocess and blocks until its health endpoint
	// is ready or the timeout elapses.
	Load(ctx context.Context, spec LoadSpec) error
	// Unload terminates the subprocess and releases its port. Idempotent.
	Unload(ctx context.Context) error
	// Port returns the bound localhost port once Load has succeeded.
	Port() int
}

// LoadSpec carries everything an adapter needs to start its subprocess.
type LoadSpec struct {
	Name       string
	Checkpoint string
	Type       string // models.ModelType as a string, to avoid an import cycle
	Options    map[string]any
	CustomArgs string
	Timeout    int // seconds, 0 = default 600s
}

// ChatCompleter, Completer, Responder, Embedder, Reranker, Transcriber,
// Speaker, ImageGenerator, StreamForwarder are the capability-typed
// operation interfaces (spec.md §4.4). Each takes and returns raw JSON
// (json.RawMessage) since the wire shape is OpenAI's and the core does
// not need to model it structurally beyond reading the "model" field.

type ChatCompleter interface {
	ChatCompletion(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
}

type Completer interface {
	Completion(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
}

type Responder interface {
	Responses(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
}

type Embedder interface {
	Embeddings(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
}

type Reranker interface {
	Reranking(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
}

type Transcriber interface {
	AudioTranscriptions(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
}

// Sink receives streamed bytes; used by Speaker and StreamForwarder.
type Sink interface {
	Write(chunk []byte) error
}

type Speaker interface {
	AudioSpeech(ctx context.Context, req json.RawMessage, sink Sink) error
}

type ImageGenerator interface {
	ImageGenerations(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
}

// StreamForwarder forwards a raw request body to an arbitrary engine
// endpoint and streams the (optionally SSE-framed) response to sink.
type StreamForwarder interface {
	ForwardStreaming(ctx context.Context, endpoint string, rawBody json.RawMessage, sink Sink, sse bool) error
}

// Factory constructs a new, unstarted Adapter for one recipe.
type Factory func() Adapter
