package types

import "encoding/json"

// Role values used by the canonical model. Adapters map whatever their wire
// format uses onto these four.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// CanonicalRequest is the provider-agnostic representation of a chat request.
// Adapters decode wire bytes into it and encode it back into wire bytes; it is
// owned by a single request and never shared.
type CanonicalRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDef
	// ToolChoice is forwarded opaquely; upstreams disagree on its shape and
	// the gateway never interprets it.
	ToolChoice any
	Params     GenParams
	Stream     bool
	// IncludeUsage mirrors stream_options.include_usage on OpenAI-shaped input.
	IncludeUsage bool
	// Extra carries unrecognized top-level fields through the translation so
	// round-tripping an unsupported-but-present field does not lose data.
	Extra map[string]json.RawMessage
}

// Message is one canonical conversation turn.
type Message struct {
	Role      string
	Parts     []ContentPart
	ToolCalls []ToolCall
	// ToolResultID links a RoleTool message back to the originating call.
	ToolResultID string
	// ToolIsError marks a tool result that reports a failure.
	ToolIsError bool
}

// ContentPart is a single piece of message content.
type ContentPart struct {
	Type     string // "text" or "image"
	Text     string
	ImageURL string
}

// ToolCall is a canonical tool invocation. Args is opaque: adapters relocate
// it between wire shapes but never reinterpret its contents.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolDef is a canonical tool definition.
type ToolDef struct {
	Name        string
	Description string
	Schema      any
}

// GenParams holds generation parameters. Nil means "not supplied"; defaults
// are applied by the upstream-facing adapter, never here.
type GenParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stop        []string
}

// Text concatenates the text parts of a message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// CanonicalResponse is the provider-agnostic representation of a completed
// (non-streaming) response.
type CanonicalResponse struct {
	ID         string
	Model      string
	Text       string
	ToolCalls  []ToolCall
	StopReason string // canonical: end_turn, max_tokens, tool_use, stop_sequence
	Usage      *Usage
	Extra      map[string]json.RawMessage
}

// Canonical stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

// Usage holds token accounting in canonical form.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}
