package codec

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ccproxy/internal/stream"
	"ccproxy/internal/types"
)

var (
	anthropicRequestKeys = knownKeys(
		"model", "messages", "system", "tools", "tool_choice",
		"stream", "max_tokens", "temperature", "top_p", "stop_sequences",
	)
	anthropicResponseKeys = knownKeys(
		"id", "type", "role", "model", "content", "stop_reason", "stop_sequence", "usage",
	)
)

// AnthropicAdapter translates between the canonical model and the Anthropic
// Messages wire format. The canonical stop-reason vocabulary matches this
// format's, so stop reasons pass through unchanged.
type AnthropicAdapter struct{}

// NewAnthropicAdapter returns the Messages-format adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{}
}

func (a *AnthropicAdapter) Format() Format {
	return FormatAnthropic
}

// DecodeRequest parses a Messages API request body.
func (a *AnthropicAdapter) DecodeRequest(body []byte) (*types.CanonicalRequest, error) {
	var req types.AnthropicMessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewDecodeError("invalid JSON body: %v", err)
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, NewDecodeError("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, NewDecodeError("messages must not be empty")
	}
	system, err := types.ParseSystemText(req.System)
	if err != nil {
		return nil, NewDecodeError("%v", err)
	}

	creq := &types.CanonicalRequest{
		Model:      req.Model,
		System:     system,
		ToolChoice: req.ToolChoice,
		Stream:     req.Stream,
		Extra:      captureExtra(body, anthropicRequestKeys),
	}
	if req.MaxTokens > 0 {
		creq.Params.MaxTokens = types.IntPtr(req.MaxTokens)
	}
	creq.Params.Temperature = req.Temperature
	creq.Params.TopP = req.TopP
	creq.Params.Stop = req.StopSequences

	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, types.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.InputSchema,
		})
	}

	for _, m := range req.Messages {
		if m.Role != types.RoleUser && m.Role != types.RoleAssistant {
			return nil, NewDecodeError("unsupported message role %q", m.Role)
		}
		blocks, err := m.ParseContent()
		if err != nil {
			return nil, NewDecodeError("%v", err)
		}

		msg := types.Message{Role: m.Role}
		flush := func() {
			if len(msg.Parts) > 0 || len(msg.ToolCalls) > 0 {
				creq.Messages = append(creq.Messages, msg)
				msg = types.Message{Role: m.Role}
			}
		}
		for _, b := range blocks {
			switch b.Type {
			case "", "text":
				msg.Parts = append(msg.Parts, types.ContentPart{Type: "text", Text: b.Text})
			case "image":
				msg.Parts = append(msg.Parts, types.ContentPart{Type: "image", ImageURL: imageBlockURL(b.Source)})
			case "tool_use":
				msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
					ID:   b.ID,
					Name: b.Name,
					Args: types.RawJSON(b.Input),
				})
			case "tool_result":
				flush()
				creq.Messages = append(creq.Messages, types.Message{
					Role:         types.RoleTool,
					ToolResultID: b.ToolUseID,
					ToolIsError:  b.IsError,
					Parts:        []types.ContentPart{{Type: "text", Text: types.ParseToolResultText(b.Content)}},
				})
			}
		}
		flush()
	}

	return creq, nil
}

// EncodeRequest renders a canonical request in Messages API shape.
//
// Fixed normalization table for this target:
//   - canonical System and any RoleSystem turns fold into the top-level
//     "system" field, joined in order;
//   - RoleTool turns become user messages holding a tool_result block;
//   - assistant tool calls become tool_use blocks, argument payloads
//     relocated verbatim;
//   - consecutive same-role turns merge into one message, since the Messages
//     API requires strict user/assistant alternation;
//   - max_tokens defaults to 4096 when the caller supplied none.
func (a *AnthropicAdapter) EncodeRequest(req *types.CanonicalRequest) ([]byte, error) {
	if err := validateParams(req.Params, anthropicParamBounds); err != nil {
		return nil, err
	}

	out := types.AnthropicMessagesRequest{
		Model:         req.Model,
		Stream:        req.Stream,
		ToolChoice:    req.ToolChoice,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		StopSequences: req.Params.Stop,
		MaxTokens:     4096,
	}
	if req.Params.MaxTokens != nil {
		out.MaxTokens = *req.Params.MaxTokens
	}

	systemParts := []string{}
	if strings.TrimSpace(req.System) != "" {
		systemParts = append(systemParts, req.System)
	}

	type wireMsg struct {
		role   string
		blocks []types.AnthropicContentBlock
	}
	var msgs []wireMsg
	appendBlocks := func(role string, blocks ...types.AnthropicContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(msgs); n > 0 && msgs[n-1].role == role {
			msgs[n-1].blocks = append(msgs[n-1].blocks, blocks...)
			return
		}
		msgs = append(msgs, wireMsg{role: role, blocks: blocks})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem:
			if text := strings.TrimSpace(m.Text()); text != "" {
				systemParts = append(systemParts, text)
			}
		case types.RoleTool:
			content, _ := json.Marshal(m.Text())
			appendBlocks(types.RoleUser, types.AnthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolResultID,
				Content:   content,
				IsError:   m.ToolIsError,
			})
		case types.RoleUser, types.RoleAssistant:
			var blocks []types.AnthropicContentBlock
			for _, p := range m.Parts {
				switch p.Type {
				case "text":
					blocks = append(blocks, types.AnthropicContentBlock{Type: "text", Text: p.Text})
				case "image":
					blocks = append(blocks, types.AnthropicContentBlock{Type: "image", Source: imageSourceFromURL(p.ImageURL)})
				}
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, types.AnthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Args,
				})
			}
			appendBlocks(m.Role, blocks...)
		default:
			return nil, &EncodeError{Reason: fmt.Sprintf("role %q has no Messages API representation", m.Role)}
		}
	}

	if len(systemParts) > 0 {
		raw, _ := json.Marshal(strings.Join(systemParts, "\n\n"))
		out.System = raw
	}
	for _, m := range msgs {
		content, err := json.Marshal(m.blocks)
		if err != nil {
			return nil, &EncodeError{Reason: "cannot marshal message content: " + err.Error()}
		}
		out.Messages = append(out.Messages, types.AnthropicMessage{Role: m.role, Content: content})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, types.AnthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema,
		})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, &EncodeError{Reason: err.Error()}
	}
	return spliceExtra(body, req.Extra)
}

// DecodeResponse parses a non-streaming Messages API response.
func (a *AnthropicAdapter) DecodeResponse(body []byte) (*types.CanonicalResponse, error) {
	var resp types.AnthropicMessageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewDecodeError("invalid upstream response: %v", err)
	}

	cres := &types.CanonicalResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: &types.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		Extra: captureExtra(body, anthropicResponseKeys),
	}
	if resp.StopReason != nil {
		cres.StopReason = *resp.StopReason
	}
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			cres.Text += b.Text
		case "tool_use":
			cres.ToolCalls = append(cres.ToolCalls, types.ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: types.RawJSON(b.Input),
			})
		}
	}
	return cres, nil
}

// EncodeResponse renders a canonical response in Messages API shape.
func (a *AnthropicAdapter) EncodeResponse(resp *types.CanonicalResponse) ([]byte, error) {
	out := types.AnthropicMessageResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  types.RoleAssistant,
		Model: resp.Model,
	}
	if out.ID == "" {
		out.ID = "msg_" + uuid.NewString()
	}
	stop := resp.StopReason
	if stop == "" {
		stop = types.StopEndTurn
		if len(resp.ToolCalls) > 0 {
			stop = types.StopToolUse
		}
	}
	out.StopReason = types.StringPtr(stop)
	if resp.Usage != nil {
		out.Usage = types.AnthropicUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
	}
	if resp.Text != "" {
		out.Content = append(out.Content, types.AnthropicContentOut{Type: "text", Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		out.Content = append(out.Content, types.AnthropicContentOut{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Args,
		})
	}
	if out.Content == nil {
		out.Content = []types.AnthropicContentOut{}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, &EncodeError{Reason: err.Error()}
	}
	return spliceExtra(body, resp.Extra)
}

// WriteError writes an Anthropic-shaped error envelope.
func (a *AnthropicAdapter) WriteError(w http.ResponseWriter, status int, errType, message string) {
	if strings.TrimSpace(errType) == "" {
		errType = "api_error"
	}
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, types.AnthropicErrorResponse{
		Type:  "error",
		Error: types.AnthropicErrorBody{Type: errType, Message: message},
	})
}

func imageBlockURL(src *types.AnthropicImage) string {
	if src == nil {
		return ""
	}
	if src.URL != "" {
		return src.URL
	}
	if src.Data != "" {
		return "data:" + src.MediaType + ";base64," + src.Data
	}
	return ""
}

func imageSourceFromURL(u string) *types.AnthropicImage {
	if strings.HasPrefix(u, "data:") {
		rest := strings.TrimPrefix(u, "data:")
		if idx := strings.Index(rest, ";base64,"); idx >= 0 {
			return &types.AnthropicImage{
				Type:      "base64",
				MediaType: rest[:idx],
				Data:      rest[idx+len(";base64,"):],
			}
		}
	}
	return &types.AnthropicImage{Type: "url", URL: u}
}

// --- Streaming ---

// anthropicStreamDecoder maps Messages API SSE events onto canonical events.
// Tool-call argument fragments accumulate per block index and are only
// promoted once the block closes.
type anthropicStreamDecoder struct {
	tools      *stream.ToolBuffer
	blockTypes map[int]string
	stopReason string
	usage      types.Usage
	haveUsage  bool
}

// NewStreamDecoder returns a decoder for Messages API SSE streams.
func (a *AnthropicAdapter) NewStreamDecoder() stream.Decoder {
	return &anthropicStreamDecoder{
		tools:      stream.NewToolBuffer(),
		blockTypes: map[int]string{},
	}
}

func (d *anthropicStreamDecoder) Decode(ev *stream.Event) ([]types.StreamEvent, error) {
	if ev.Data == nil {
		return nil, nil
	}
	switch ev.Type {
	case "message_start":
		msg, _ := ev.Data["message"].(map[string]any)
		id, _ := msg["id"].(string)
		model, _ := msg["model"].(string)
		if usage, ok := msg["usage"].(map[string]any); ok {
			d.usage.InputTokens = types.IntFromAny(usage["input_tokens"])
			d.haveUsage = true
		}
		return []types.StreamEvent{{Kind: types.EventMessageStart, ID: id, Model: model}}, nil

	case "content_block_start":
		idx := types.IntFromAny(ev.Data["index"])
		block, _ := ev.Data["content_block"].(map[string]any)
		blockType, _ := block["type"].(string)
		d.blockTypes[idx] = blockType
		if blockType == "tool_use" {
			id, _ := block["id"].(string)
			name, _ := block["name"].(string)
			key := strconv.Itoa(idx)
			d.tools.Begin(key, id, name)
			if input, ok := block["input"].(map[string]any); ok && len(input) > 0 {
				d.tools.SetArgs(key, types.RawJSON(input))
			}
		}
		return nil, nil

	case "content_block_delta":
		idx := types.IntFromAny(ev.Data["index"])
		delta, _ := ev.Data["delta"].(map[string]any)
		switch deltaType, _ := delta["type"].(string); deltaType {
		case "text_delta":
			text, _ := delta["text"].(string)
			return []types.StreamEvent{{Kind: types.EventContentDelta, Text: text}}, nil
		case "input_json_delta":
			fragment, _ := delta["partial_json"].(string)
			d.tools.Append(strconv.Itoa(idx), fragment)
		}
		return nil, nil

	case "content_block_stop":
		idx := types.IntFromAny(ev.Data["index"])
		if d.blockTypes[idx] != "tool_use" {
			return nil, nil
		}
		call, ok := d.tools.Finish(strconv.Itoa(idx))
		if !ok {
			return nil, nil
		}
		return []types.StreamEvent{{Kind: types.EventToolCallDelta, ToolCall: &call}}, nil

	case "message_delta":
		if delta, ok := ev.Data["delta"].(map[string]any); ok {
			if sr, ok := delta["stop_reason"].(string); ok && sr != "" {
				d.stopReason = sr
			}
		}
		if usage, ok := ev.Data["usage"].(map[string]any); ok {
			d.usage.OutputTokens = types.IntFromAny(usage["output_tokens"])
			d.haveUsage = true
		}
		return nil, nil

	case "message_stop":
		stop := types.StreamEvent{Kind: types.EventMessageStop, StopReason: d.stopReason}
		if d.haveUsage {
			u := d.usage
			stop.Usage = &u
		}
		return []types.StreamEvent{stop}, nil

	case "error":
		body, _ := ev.Data["error"].(map[string]any)
		errType, _ := body["type"].(string)
		msg, _ := body["message"].(string)
		return []types.StreamEvent{{Kind: types.EventError, ErrType: errType, ErrMsg: msg}}, nil
	}
	// ping and unknown event types carry no logical delta.
	return nil, nil
}

func (d *anthropicStreamDecoder) Finish() []types.StreamEvent {
	var out []types.StreamEvent
	for _, call := range d.tools.FinishAll() {
		c := call
		out = append(out, types.StreamEvent{Kind: types.EventToolCallDelta, ToolCall: &c})
	}
	return out
}

// anthropicStreamEncoder renders canonical events as Messages API SSE.
type anthropicStreamEncoder struct {
	w       http.ResponseWriter
	flusher http.Flusher

	id        string
	model     string
	started   bool
	textOpen  bool
	textIndex int
	nextIndex int
	sawTool   bool
}

// NewStreamEncoder returns an encoder writing Messages API SSE framing.
func (a *AnthropicAdapter) NewStreamEncoder(w http.ResponseWriter, opts StreamOpts) stream.Encoder {
	flusher, _ := w.(http.Flusher)
	id := opts.ResponseID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	return &anthropicStreamEncoder{w: w, flusher: flusher, id: id, model: opts.Model}
}

func (e *anthropicStreamEncoder) writeEvent(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &EncodeError{Reason: err.Error()}
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

func (e *anthropicStreamEncoder) start() error {
	if e.started {
		return nil
	}
	e.started = true
	return e.writeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": types.AnthropicMessageResponse{
			ID:      e.id,
			Type:    "message",
			Role:    types.RoleAssistant,
			Model:   e.model,
			Content: []types.AnthropicContentOut{},
		},
	})
}

func (e *anthropicStreamEncoder) closeText() error {
	if !e.textOpen {
		return nil
	}
	e.textOpen = false
	return e.writeEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.textIndex,
	})
}

func (e *anthropicStreamEncoder) Encode(ev types.StreamEvent) error {
	switch ev.Kind {
	case types.EventMessageStart:
		if ev.ID != "" {
			e.id = ev.ID
		}
		if ev.Model != "" {
			e.model = ev.Model
		}
		return e.start()

	case types.EventContentDelta:
		if err := e.start(); err != nil {
			return err
		}
		if !e.textOpen {
			e.textOpen = true
			e.textIndex = e.nextIndex
			e.nextIndex++
			if err := e.writeEvent("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         e.textIndex,
				"content_block": types.AnthropicContentOut{Type: "text", Text: ""},
			}); err != nil {
				return err
			}
		}
		return e.writeEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.textIndex,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		})

	case types.EventToolCallDelta:
		if ev.ToolCall == nil {
			return nil
		}
		if err := e.start(); err != nil {
			return err
		}
		if err := e.closeText(); err != nil {
			return err
		}
		e.sawTool = true
		idx := e.nextIndex
		e.nextIndex++
		if err := e.writeEvent("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": idx,
			"content_block": types.AnthropicContentOut{
				Type:  "tool_use",
				ID:    ev.ToolCall.ID,
				Name:  ev.ToolCall.Name,
				Input: map[string]any{},
			},
		}); err != nil {
			return err
		}
		if len(ev.ToolCall.Args) > 0 {
			if err := e.writeEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": idx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(ev.ToolCall.Args)},
			}); err != nil {
				return err
			}
		}
		return e.writeEvent("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": idx,
		})

	case types.EventError:
		errType := ev.ErrType
		if errType == "" {
			errType = "api_error"
		}
		return e.writeEvent("error", types.AnthropicErrorResponse{
			Type:  "error",
			Error: types.AnthropicErrorBody{Type: errType, Message: ev.ErrMsg},
		})

	case types.EventMessageStop:
		if err := e.start(); err != nil {
			return err
		}
		if err := e.closeText(); err != nil {
			return err
		}
		stop := ev.StopReason
		if stop == "" {
			stop = types.StopEndTurn
			if e.sawTool {
				stop = types.StopToolUse
			}
		}
		payload := map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
		}
		if ev.Usage != nil {
			payload["usage"] = map[string]any{"output_tokens": ev.Usage.OutputTokens}
		}
		if err := e.writeEvent("message_delta", payload); err != nil {
			return err
		}
		return e.writeEvent("message_stop", map[string]any{"type": "message_stop"})
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
