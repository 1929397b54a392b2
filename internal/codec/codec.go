// Package codec holds the bidirectional adapters between the canonical model
// and each supported wire format. Adding an upstream means adding one adapter
// pair here and one endpoint binding, never branching inside existing
// adapters.
package codec

import (
	"fmt"
	"net/http"

	"ccproxy/internal/stream"
	"ccproxy/internal/types"
)

// Format identifies a wire format of a request/response.
type Format string

const (
	FormatAnthropic  Format = "anthropic"
	FormatOpenAIChat Format = "openai-chat"
	FormatResponses  Format = "responses"
)

// StreamOpts carries per-request streaming configuration to stream encoders.
type StreamOpts struct {
	// Model is echoed into encoded events; the upstream value overrides it
	// once a MessageStart arrives.
	Model string
	// ResponseID seeds event IDs until the upstream supplies one.
	ResponseID string
	// Created is the unix timestamp stamped on OpenAI-shaped chunks.
	Created int64
	// IncludeUsage controls the usage block on the terminal OpenAI chunk.
	IncludeUsage bool
}

// Adapter is a bidirectional codec between the canonical model and one wire
// format. Decode operations fail with *DecodeError, encode operations with
// *EncodeError or *InvalidParameterError; none of them silently degrade.
type Adapter interface {
	Format() Format

	DecodeRequest(body []byte) (*types.CanonicalRequest, error)
	EncodeRequest(req *types.CanonicalRequest) ([]byte, error)

	DecodeResponse(body []byte) (*types.CanonicalResponse, error)
	EncodeResponse(resp *types.CanonicalResponse) ([]byte, error)

	// NewStreamDecoder decodes this format's SSE events into canonical
	// stream events (the upstream-facing half of a relay).
	NewStreamDecoder() stream.Decoder
	// NewStreamEncoder writes canonical stream events in this format (the
	// caller-facing half). The writer must implement http.Flusher.
	NewStreamEncoder(w http.ResponseWriter, opts StreamOpts) stream.Encoder

	// WriteError writes err to w in this format's error envelope.
	WriteError(w http.ResponseWriter, status int, errType, message string)
}

// Registry resolves formats to adapters. It is built once at startup and
// read-only afterwards.
type Registry struct {
	adapters map[Format]Adapter
}

// NewRegistry returns a registry with all supported adapters installed.
func NewRegistry() *Registry {
	r := &Registry{adapters: map[Format]Adapter{}}
	for _, a := range []Adapter{
		NewAnthropicAdapter(),
		NewOpenAIChatAdapter(),
		NewResponsesAdapter(),
	} {
		r.adapters[a.Format()] = a
	}
	return r
}

// Get returns the adapter for format.
func (r *Registry) Get(f Format) (Adapter, error) {
	a, ok := r.adapters[f]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for format %q", f)
	}
	return a, nil
}

// MustGet returns the adapter for format and panics when it is missing. Only
// used at startup wiring, where a miss is a programming error.
func (r *Registry) MustGet(f Format) Adapter {
	a, err := r.Get(f)
	if err != nil {
		panic(err)
	}
	return a
}
