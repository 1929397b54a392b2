package codec

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"ccproxy/internal/stream"
	"ccproxy/internal/types"
)

var (
	responsesRequestKeys = knownKeys(
		"model", "instructions", "input", "tools", "tool_choice",
		"stream", "temperature", "top_p", "max_output_tokens",
	)
	responsesResponseKeys = knownKeys(
		"id", "object", "model", "status", "output", "usage", "error",
	)
)

// ResponsesAdapter translates between the canonical model and the OpenAI
// Responses (Codex) wire format.
type ResponsesAdapter struct{}

// NewResponsesAdapter returns the Responses-format adapter.
func NewResponsesAdapter() *ResponsesAdapter {
	return &ResponsesAdapter{}
}

func (a *ResponsesAdapter) Format() Format {
	return FormatResponses
}

// DecodeRequest parses a Responses API request body.
func (a *ResponsesAdapter) DecodeRequest(body []byte) (*types.CanonicalRequest, error) {
	var req types.ResponsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewDecodeError("invalid JSON body: %v", err)
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, NewDecodeError("model is required")
	}
	if len(req.Input) == 0 {
		return nil, NewDecodeError("input must not be empty")
	}

	creq := &types.CanonicalRequest{
		Model:      req.Model,
		System:     req.Instructions,
		ToolChoice: req.ToolChoice,
		Stream:     req.Stream,
		Extra:      captureExtra(body, responsesRequestKeys),
	}
	creq.Params.Temperature = req.Temperature
	creq.Params.TopP = req.TopP
	creq.Params.MaxTokens = req.MaxOutputTokens

	for _, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		creq.Tools = append(creq.Tools, types.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Parameters,
		})
	}

	for _, item := range req.Input {
		switch item.Type {
		case "", "message":
			role := item.Role
			if role != types.RoleAssistant {
				role = types.RoleUser
			}
			msg := types.Message{Role: role}
			for _, c := range item.Content {
				switch c.Type {
				case "input_text", "output_text", "text":
					msg.Parts = append(msg.Parts, types.ContentPart{Type: "text", Text: c.Text})
				case "input_image":
					msg.Parts = append(msg.Parts, types.ContentPart{Type: "image", ImageURL: c.ImageURL})
				}
			}
			creq.Messages = append(creq.Messages, msg)
		case "function_call":
			creq.Messages = append(creq.Messages, types.Message{
				Role: types.RoleAssistant,
				ToolCalls: []types.ToolCall{{
					ID:   item.CallID,
					Name: item.Name,
					Args: argsFromString(item.Arguments),
				}},
			})
		case "function_call_output":
			creq.Messages = append(creq.Messages, types.Message{
				Role:         types.RoleTool,
				ToolResultID: item.CallID,
				Parts:        []types.ContentPart{{Type: "text", Text: item.Output}},
			})
		default:
			return nil, NewDecodeError("unsupported input item type %q", item.Type)
		}
	}

	return creq, nil
}

// EncodeRequest renders a canonical request in Responses API shape.
//
// Fixed normalization table for this target: canonical System maps to the
// top-level "instructions" field; RoleSystem turns fold into it as well;
// RoleTool turns become function_call_output items; assistant tool calls
// become standalone function_call items preceding the message item.
func (a *ResponsesAdapter) EncodeRequest(req *types.CanonicalRequest) ([]byte, error) {
	if err := validateParams(req.Params, responsesParamBounds); err != nil {
		return nil, err
	}

	out := types.ResponsesRequest{
		Model:           req.Model,
		Stream:          req.Stream,
		ToolChoice:      req.ToolChoice,
		Temperature:     req.Params.Temperature,
		TopP:            req.Params.TopP,
		MaxOutputTokens: req.Params.MaxTokens,
	}

	instructions := []string{}
	if strings.TrimSpace(req.System) != "" {
		instructions = append(instructions, req.System)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem:
			if text := strings.TrimSpace(m.Text()); text != "" {
				instructions = append(instructions, text)
			}
		case types.RoleTool:
			out.Input = append(out.Input, types.ResponsesInputItem{
				Type:   "function_call_output",
				CallID: m.ToolResultID,
				Output: m.Text(),
			})
		case types.RoleUser, types.RoleAssistant:
			for _, tc := range m.ToolCalls {
				out.Input = append(out.Input, types.ResponsesInputItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: string(tc.Args),
				})
			}
			var content []types.ResponsesContent
			for _, p := range m.Parts {
				switch p.Type {
				case "text":
					kind := "input_text"
					if m.Role == types.RoleAssistant {
						kind = "output_text"
					}
					content = append(content, types.ResponsesContent{Type: kind, Text: p.Text})
				case "image":
					content = append(content, types.ResponsesContent{Type: "input_image", ImageURL: p.ImageURL})
				}
			}
			if len(content) > 0 {
				out.Input = append(out.Input, types.ResponsesInputItem{
					Type:    "message",
					Role:    m.Role,
					Content: content,
				})
			}
		}
	}
	out.Instructions = strings.Join(instructions, "\n\n")

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, types.ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, &EncodeError{Reason: err.Error()}
	}
	return spliceExtra(body, req.Extra)
}

// DecodeResponse parses a non-streaming Responses API response object.
func (a *ResponsesAdapter) DecodeResponse(body []byte) (*types.CanonicalResponse, error) {
	var resp types.ResponsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewDecodeError("invalid upstream response: %v", err)
	}

	cres := &types.CanonicalResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Extra: captureExtra(body, responsesResponseKeys),
	}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" || c.Type == "text" {
					cres.Text += c.Text
				}
			}
		case "function_call":
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			cres.ToolCalls = append(cres.ToolCalls, types.ToolCall{
				ID:   callID,
				Name: item.Name,
				Args: argsFromString(item.Arguments),
			})
		}
	}
	switch resp.Status {
	case "incomplete":
		cres.StopReason = types.StopMaxTokens
	default:
		cres.StopReason = types.StopEndTurn
		if len(cres.ToolCalls) > 0 {
			cres.StopReason = types.StopToolUse
		}
	}
	if resp.Usage != nil {
		cres.Usage = &types.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
	}
	return cres, nil
}

// EncodeResponse renders a canonical response as a Responses API object.
func (a *ResponsesAdapter) EncodeResponse(resp *types.CanonicalResponse) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	out := types.ResponsesResponse{
		ID:     id,
		Object: "response",
		Model:  resp.Model,
		Status: "completed",
	}
	if resp.StopReason == types.StopMaxTokens {
		out.Status = "incomplete"
	}
	if resp.Text != "" {
		out.Output = append(out.Output, types.ResponsesOutputItem{
			Type:    "message",
			Role:    types.RoleAssistant,
			Status:  "completed",
			Content: []types.ResponsesContent{{Type: "output_text", Text: resp.Text}},
		})
	}
	for _, tc := range resp.ToolCalls {
		out.Output = append(out.Output, types.ResponsesOutputItem{
			Type:      "function_call",
			Status:    "completed",
			CallID:    tc.ID,
			Name:      tc.Name,
			Arguments: string(tc.Args),
		})
	}
	if out.Output == nil {
		out.Output = []types.ResponsesOutputItem{}
	}
	if resp.Usage != nil {
		out.Usage = &types.ResponsesUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.Total(),
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, &EncodeError{Reason: err.Error()}
	}
	return spliceExtra(body, resp.Extra)
}

// WriteError writes an OpenAI-shaped error envelope (the Responses surface
// shares it with Chat Completions).
func (a *ResponsesAdapter) WriteError(w http.ResponseWriter, status int, errType, message string) {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, types.ErrorResponse{
		Error: types.ErrorDetail{Message: message, Type: errType},
	})
}

// --- Streaming ---

// responsesStreamDecoder maps Responses API SSE events onto canonical
// events. Function-call argument fragments are keyed by item_id and only
// promoted when the item completes.
type responsesStreamDecoder struct {
	tools *stream.ToolBuffer
	usage *types.Usage
}

// NewStreamDecoder returns a decoder for Responses API SSE streams.
func (a *ResponsesAdapter) NewStreamDecoder() stream.Decoder {
	return &responsesStreamDecoder{tools: stream.NewToolBuffer()}
}

func (d *responsesStreamDecoder) Decode(ev *stream.Event) ([]types.StreamEvent, error) {
	if ev.Data == nil {
		return nil, nil
	}
	switch ev.Type {
	case "response.created":
		resp, _ := ev.Data["response"].(map[string]any)
		id, _ := resp["id"].(string)
		model, _ := resp["model"].(string)
		return []types.StreamEvent{{Kind: types.EventMessageStart, ID: id, Model: model}}, nil

	case "response.output_text.delta":
		text, _ := ev.Data["delta"].(string)
		return []types.StreamEvent{{Kind: types.EventContentDelta, Text: text}}, nil

	case "response.output_item.added":
		item, _ := ev.Data["item"].(map[string]any)
		if itemType, _ := item["type"].(string); itemType == "function_call" {
			key := itemKey(ev.Data, item)
			id, _ := item["call_id"].(string)
			name, _ := item["name"].(string)
			d.tools.Begin(key, id, name)
		}
		return nil, nil

	case "response.function_call_arguments.delta":
		fragment, _ := ev.Data["delta"].(string)
		if fragment != "" {
			d.tools.Append(itemKey(ev.Data, nil), fragment)
		}
		return nil, nil

	case "response.function_call_arguments.done":
		if args, _ := ev.Data["arguments"].(string); args != "" {
			d.tools.SetArgs(itemKey(ev.Data, nil), argsFromString(args))
		}
		return nil, nil

	case "response.output_item.done":
		item, _ := ev.Data["item"].(map[string]any)
		if itemType, _ := item["type"].(string); itemType != "function_call" {
			return nil, nil
		}
		key := itemKey(ev.Data, item)
		id, _ := item["call_id"].(string)
		name, _ := item["name"].(string)
		d.tools.Begin(key, id, name)
		if args, _ := item["arguments"].(string); args != "" {
			d.tools.SetArgs(key, argsFromString(args))
		}
		call, ok := d.tools.Finish(key)
		if !ok {
			return nil, nil
		}
		return []types.StreamEvent{{Kind: types.EventToolCallDelta, ToolCall: &call}}, nil

	case "response.completed":
		stop := types.StreamEvent{Kind: types.EventMessageStop}
		if resp, ok := ev.Data["response"].(map[string]any); ok {
			if usage, ok := resp["usage"].(map[string]any); ok {
				stop.Usage = &types.Usage{
					InputTokens:  types.IntFromAny(usage["input_tokens"]),
					OutputTokens: types.IntFromAny(usage["output_tokens"]),
				}
			}
			if status, _ := resp["status"].(string); status == "incomplete" {
				stop.StopReason = types.StopMaxTokens
			}
		}
		return []types.StreamEvent{stop}, nil

	case "response.failed", "error":
		msg := "response failed"
		errType := "upstream_error"
		if resp, ok := ev.Data["response"].(map[string]any); ok {
			if e, ok := resp["error"].(map[string]any); ok {
				if m, _ := e["message"].(string); m != "" {
					msg = m
				}
				if t, _ := e["type"].(string); t != "" {
					errType = t
				}
			}
		}
		if e, ok := ev.Data["error"].(map[string]any); ok {
			if m, _ := e["message"].(string); m != "" {
				msg = m
			}
		}
		return []types.StreamEvent{{Kind: types.EventError, ErrType: errType, ErrMsg: msg}}, nil
	}
	return nil, nil
}

func (d *responsesStreamDecoder) Finish() []types.StreamEvent {
	var out []types.StreamEvent
	for _, call := range d.tools.FinishAll() {
		c := call
		out = append(out, types.StreamEvent{Kind: types.EventToolCallDelta, ToolCall: &c})
	}
	return out
}

func itemKey(data, item map[string]any) string {
	for _, k := range []string{"item_id", "call_id", "id"} {
		if v, _ := data[k].(string); v != "" {
			return v
		}
	}
	if item != nil {
		for _, k := range []string{"id", "call_id"} {
			if v, _ := item[k].(string); v != "" {
				return v
			}
		}
	}
	return "item_0"
}

// responsesStreamEncoder renders canonical events as Responses API SSE. The
// requested model is echoed on every event so downstream tooling can
// correlate events without decoding full payloads; the upstream value on
// MessageStart overrides the requested one.
type responsesStreamEncoder struct {
	w       http.ResponseWriter
	flusher http.Flusher

	id          string
	model       string
	itemIndex   int
	textStarted bool
	usage       *types.Usage
	failed      bool
}

// NewStreamEncoder returns an encoder writing Responses API SSE framing.
func (a *ResponsesAdapter) NewStreamEncoder(w http.ResponseWriter, opts StreamOpts) stream.Encoder {
	flusher, _ := w.(http.Flusher)
	id := opts.ResponseID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	return &responsesStreamEncoder{w: w, flusher: flusher, id: id, model: opts.Model}
}

func (e *responsesStreamEncoder) writeEvent(name string, payload map[string]any) error {
	payload["type"] = name
	payload["model"] = e.model
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

func (e *responsesStreamEncoder) Encode(ev types.StreamEvent) error {
	switch ev.Kind {
	case types.EventMessageStart:
		if ev.ID != "" {
			e.id = ev.ID
		}
		if ev.Model != "" {
			e.model = ev.Model
		}
		return e.writeEvent("response.created", map[string]any{
			"response": map[string]any{"id": e.id, "model": e.model, "status": "in_progress"},
		})

	case types.EventContentDelta:
		if !e.textStarted {
			e.textStarted = true
			if err := e.writeEvent("response.output_item.added", map[string]any{
				"output_index": e.itemIndex,
				"item":         map[string]any{"type": "message", "role": types.RoleAssistant},
			}); err != nil {
				return err
			}
		}
		return e.writeEvent("response.output_text.delta", map[string]any{
			"output_index": e.itemIndex,
			"delta":        ev.Text,
		})

	case types.EventToolCallDelta:
		if ev.ToolCall == nil {
			return nil
		}
		if e.textStarted {
			if err := e.closeTextItem(); err != nil {
				return err
			}
		}
		idx := e.itemIndex
		e.itemIndex++
		return e.writeEvent("response.output_item.done", map[string]any{
			"output_index": idx,
			"item": map[string]any{
				"type":      "function_call",
				"call_id":   ev.ToolCall.ID,
				"name":      ev.ToolCall.Name,
				"arguments": string(ev.ToolCall.Args),
				"status":    "completed",
			},
		})

	case types.EventError:
		e.failed = true
		return e.writeEvent("response.failed", map[string]any{
			"response": map[string]any{
				"id":     e.id,
				"status": "failed",
				"error":  map[string]any{"type": ev.ErrType, "message": ev.ErrMsg},
			},
		})

	case types.EventMessageStop:
		if e.textStarted {
			if err := e.closeTextItem(); err != nil {
				return err
			}
		}
		if e.failed {
			// response.failed already terminated the logical stream.
			return e.writeDone()
		}
		status := "completed"
		if ev.StopReason == types.StopMaxTokens {
			status = "incomplete"
		}
		resp := map[string]any{"id": e.id, "model": e.model, "status": status}
		if ev.Usage != nil {
			resp["usage"] = map[string]any{
				"input_tokens":  ev.Usage.InputTokens,
				"output_tokens": ev.Usage.OutputTokens,
				"total_tokens":  ev.Usage.Total(),
			}
		}
		if err := e.writeEvent("response.completed", map[string]any{"response": resp}); err != nil {
			return err
		}
		return e.writeDone()
	}
	return nil
}

func (e *responsesStreamEncoder) closeTextItem() error {
	e.textStarted = false
	idx := e.itemIndex
	e.itemIndex++
	return e.writeEvent("response.output_item.done", map[string]any{
		"output_index": idx,
		"item":         map[string]any{"type": "message", "role": types.RoleAssistant, "status": "completed"},
	})
}

func (e *responsesStreamEncoder) writeDone() error {
	if _, err := fmt.Fprint(e.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
