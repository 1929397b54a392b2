package stream

import (
	"encoding/json"
	"log/slog"
	"strings"

	"ccproxy/internal/types"
)

// MaxToolArgBufSize is the upper bound (in bytes) for buffered tool-call
// argument fragments per in-flight call.
const MaxToolArgBufSize = 1 << 20 // 1 MB

// ToolBuffer accumulates tool-call argument fragments until a call is
// structurally complete. It is a small state machine per in-flight call:
// Begin opens a call, Append collects fragments, SetArgs records a final
// payload delivered whole, and Finish promotes the call to a canonical
// ToolCall. A call is only promoted once its accumulated payload parses as
// JSON or its terminal marker arrived, so a torn fragment is never forwarded.
type ToolBuffer struct {
	calls map[string]*pendingCall
	order []string
}

type pendingCall struct {
	id   string
	name string
	buf  strings.Builder
	args json.RawMessage
}

// NewToolBuffer creates an empty ToolBuffer.
func NewToolBuffer() *ToolBuffer {
	return &ToolBuffer{calls: map[string]*pendingCall{}}
}

// Begin opens an in-flight call under key. id and name may be refined later
// by a second Begin with the same key.
func (tb *ToolBuffer) Begin(key, id, name string) {
	c, ok := tb.calls[key]
	if !ok {
		c = &pendingCall{}
		tb.calls[key] = c
		tb.order = append(tb.order, key)
	}
	if id != "" {
		c.id = id
	}
	if name != "" {
		c.name = name
	}
}

// Append adds an argument fragment to the call under key. Fragments past the
// size bound are dropped with a warning rather than growing without limit.
func (tb *ToolBuffer) Append(key, fragment string) {
	c, ok := tb.calls[key]
	if !ok {
		tb.Begin(key, "", "")
		c = tb.calls[key]
	}
	if c.buf.Len()+len(fragment) > MaxToolArgBufSize {
		slog.Warn("tool argument buffer limit exceeded, dropping fragment",
			"key", key, "buf_len", c.buf.Len(), "fragment_len", len(fragment))
		return
	}
	c.buf.WriteString(fragment)
}

// SetArgs records a complete argument payload delivered in one piece. It
// takes precedence over accumulated fragments.
func (tb *ToolBuffer) SetArgs(key string, raw json.RawMessage) {
	tb.Begin(key, "", "")
	tb.calls[key].args = raw
}

// Complete reports whether the accumulated fragments for key currently parse
// as a full JSON value.
func (tb *ToolBuffer) Complete(key string) bool {
	c, ok := tb.calls[key]
	if !ok {
		return false
	}
	if len(c.args) > 0 {
		return true
	}
	return json.Valid([]byte(c.buf.String()))
}

// Finish promotes the call under key to a canonical ToolCall and forgets it.
// An accumulated payload that still does not parse at the terminal marker is
// forwarded as a JSON string so the caller sees what arrived, not a torn
// object.
func (tb *ToolBuffer) Finish(key string) (types.ToolCall, bool) {
	c, ok := tb.calls[key]
	if !ok {
		return types.ToolCall{}, false
	}
	delete(tb.calls, key)
	for i, k := range tb.order {
		if k == key {
			tb.order = append(tb.order[:i], tb.order[i+1:]...)
			break
		}
	}

	call := types.ToolCall{ID: c.id, Name: c.name}
	switch {
	case len(c.args) > 0:
		call.Args = c.args
	default:
		raw := strings.TrimSpace(c.buf.String())
		if raw == "" {
			call.Args = json.RawMessage(`{}`)
		} else if json.Valid([]byte(raw)) {
			call.Args = json.RawMessage(raw)
		} else {
			quoted, _ := json.Marshal(raw)
			call.Args = quoted
		}
	}
	return call, true
}

// FinishAll promotes every still-open call in arrival order. Used when the
// upstream terminates without per-call terminal markers.
func (tb *ToolBuffer) FinishAll() []types.ToolCall {
	keys := append([]string(nil), tb.order...)
	var out []types.ToolCall
	for _, key := range keys {
		if call, ok := tb.Finish(key); ok {
			out = append(out, call)
		}
	}
	return out
}

// Pending reports how many calls are still accumulating.
func (tb *ToolBuffer) Pending() int {
	return len(tb.calls)
}
