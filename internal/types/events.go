package types

// EventKind discriminates canonical stream events.
type EventKind int

const (
	// EventMessageStart opens a streamed response and carries its ID and model.
	EventMessageStart EventKind = iota
	// EventContentDelta carries a text fragment.
	EventContentDelta
	// EventToolCallDelta carries a structurally complete tool call. Argument
	// fragments are accumulated upstream-side and only promoted once the
	// payload parses, so consumers never see a torn JSON fragment.
	EventToolCallDelta
	// EventMessageStop terminates the stream. Exactly one is emitted per
	// response, on every exit path.
	EventMessageStop
	// EventError reports a mid-stream failure before the stream closes.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessageStart:
		return "message_start"
	case EventContentDelta:
		return "content_delta"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventMessageStop:
		return "message_stop"
	case EventError:
		return "error"
	}
	return "unknown"
}

// StreamEvent is the canonical form of one logical streaming delta. Replaying
// a response's events in order reconstructs the same final message the
// non-streaming form would have produced.
type StreamEvent struct {
	Kind  EventKind
	ID    string // response/message ID, set on MessageStart
	Model string

	// ContentDelta
	Text string

	// ToolCallDelta
	ToolCall *ToolCall

	// MessageStop
	StopReason string
	Usage      *Usage

	// Error
	ErrType string
	ErrMsg  string
}

// Collector folds an ordered canonical event sequence back into a
// CanonicalResponse. It backs the non-streaming translation path and the
// streaming/non-streaming equivalence tests.
type Collector struct {
	resp CanonicalResponse
	err  *StreamEvent
}

// Add folds one event into the collector.
func (c *Collector) Add(ev StreamEvent) {
	switch ev.Kind {
	case EventMessageStart:
		c.resp.ID = ev.ID
		c.resp.Model = ev.Model
	case EventContentDelta:
		c.resp.Text += ev.Text
	case EventToolCallDelta:
		if ev.ToolCall != nil {
			c.resp.ToolCalls = append(c.resp.ToolCalls, *ev.ToolCall)
		}
	case EventMessageStop:
		if ev.StopReason != "" {
			c.resp.StopReason = ev.StopReason
		}
		if ev.Usage != nil {
			c.resp.Usage = ev.Usage
		}
	case EventError:
		e := ev
		c.err = &e
	}
}

// Response returns the assembled response and the error event, if any.
func (c *Collector) Response() (*CanonicalResponse, *StreamEvent) {
	resp := c.resp
	if resp.StopReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.StopReason = StopToolUse
		} else {
			resp.StopReason = StopEndTurn
		}
	}
	return &resp, c.err
}
