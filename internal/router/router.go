// Package router maps inbound endpoint paths to their adapter/upstream
// bindings. The table is built once at startup, validated for overlaps, and
// read-only at request time.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ccproxy/internal/codec"
)

// ErrUnroutable reports that no binding matches the request.
var ErrUnroutable = errors.New("no endpoint binding matches the request")

// Target identifies the upstream a binding forwards to.
type Target struct {
	// URL is the full upstream endpoint URL.
	URL string
	// Format is the wire format the upstream speaks.
	Format codec.Format
}

// Binding ties an inbound path to its translation triple: the caller-facing
// decode format, the upstream target, and the caller-facing encode format.
// Inbound and Outbound may differ (the native-passthrough quirk on
// /openai/v1/chat/completions accepts OpenAI-shaped requests but answers in
// the upstream's native shape).
type Binding struct {
	Method   string
	Path     string
	Inbound  codec.Format
	Outbound codec.Format
	Upstream Target
}

func (b Binding) key() string {
	return b.Method + " " + b.Path
}

// Table is the immutable set of bindings. Matching is exact on method and
// path; there is no pattern backtracking to be ambiguous about.
type Table struct {
	byKey    map[string]Binding
	bindings []Binding
}

// NewTable validates the bindings and builds the lookup table. Overlapping
// bindings (same method and path) are a configuration error and rejected at
// startup rather than resolved by precedence.
func NewTable(bindings []Binding) (*Table, error) {
	t := &Table{byKey: make(map[string]Binding, len(bindings))}
	for _, b := range bindings {
		if b.Method == "" || !strings.HasPrefix(b.Path, "/") {
			return nil, fmt.Errorf("invalid binding %q %q", b.Method, b.Path)
		}
		if b.Upstream.URL == "" {
			return nil, fmt.Errorf("binding %s has no upstream URL", b.key())
		}
		if _, dup := t.byKey[b.key()]; dup {
			return nil, fmt.Errorf("overlapping bindings for %s", b.key())
		}
		t.byKey[b.key()] = b
		t.bindings = append(t.bindings, b)
	}
	return t, nil
}

// Resolve returns the single binding for method and path, or ErrUnroutable.
// Pure lookup, no side effects, safe for concurrent use.
func (t *Table) Resolve(method, path string) (Binding, error) {
	if b, ok := t.byKey[method+" "+strings.TrimSuffix(path, "/")]; ok {
		return b, nil
	}
	if b, ok := t.byKey[method+" "+path]; ok {
		return b, nil
	}
	return Binding{}, fmt.Errorf("%w: %s %s", ErrUnroutable, method, path)
}

// Bindings returns the table contents in registration order, for mux wiring.
func (t *Table) Bindings() []Binding {
	return t.bindings
}

// Default builds the standard CCProxy surface.
//
// The /openai/v1 route intentionally answers in the upstream-native
// (Anthropic) shape despite its OpenAI-looking path; /cc/openai/v1 performs
// the full translation. This asymmetry is a documented compatibility
// behavior, not a bug.
func Default(anthropicURL, responsesURL string) (*Table, error) {
	return NewTable([]Binding{
		{
			Method:   http.MethodPost,
			Path:     "/openai/v1/chat/completions",
			Inbound:  codec.FormatOpenAIChat,
			Outbound: codec.FormatAnthropic,
			Upstream: Target{URL: anthropicURL, Format: codec.FormatAnthropic},
		},
		{
			Method:   http.MethodPost,
			Path:     "/cc/openai/v1/chat/completions",
			Inbound:  codec.FormatOpenAIChat,
			Outbound: codec.FormatOpenAIChat,
			Upstream: Target{URL: anthropicURL, Format: codec.FormatAnthropic},
		},
		{
			Method:   http.MethodPost,
			Path:     "/codex/responses",
			Inbound:  codec.FormatResponses,
			Outbound: codec.FormatResponses,
			Upstream: Target{URL: responsesURL, Format: codec.FormatResponses},
		},
	})
}
