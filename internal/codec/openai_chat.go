package codec

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ccproxy/internal/stream"
	"ccproxy/internal/types"
)

var (
	chatRequestKeys = knownKeys(
		"model", "messages", "stream", "stream_options", "tools", "tool_choice",
		"parallel_tool_calls", "temperature", "top_p", "max_tokens",
		"max_completion_tokens", "stop",
	)
	chatResponseKeys = knownKeys(
		"id", "object", "created", "model", "choices", "usage",
	)
)

// Stop-reason mapping between the canonical vocabulary and OpenAI
// finish_reason values. Fixed table, applied in both directions.
var (
	chatFinishFromStop = map[string]string{
		types.StopEndTurn:      "stop",
		types.StopMaxTokens:    "length",
		types.StopToolUse:      "tool_calls",
		types.StopStopSequence: "stop",
	}
	stopFromChatFinish = map[string]string{
		"stop":       types.StopEndTurn,
		"length":     types.StopMaxTokens,
		"tool_calls": types.StopToolUse,
	}
)

// OpenAIChatAdapter translates between the canonical model and the OpenAI
// Chat Completions wire format.
type OpenAIChatAdapter struct{}

// NewOpenAIChatAdapter returns the Chat Completions adapter.
func NewOpenAIChatAdapter() *OpenAIChatAdapter {
	return &OpenAIChatAdapter{}
}

func (a *OpenAIChatAdapter) Format() Format {
	return FormatOpenAIChat
}

// DecodeRequest parses a Chat Completions request body.
func (a *OpenAIChatAdapter) DecodeRequest(body []byte) (*types.CanonicalRequest, error) {
	var req types.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewDecodeError("invalid JSON body: %v", err)
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, NewDecodeError("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, NewDecodeError("messages must not be empty")
	}

	creq := &types.CanonicalRequest{
		Model:      req.Model,
		ToolChoice: req.ToolChoice,
		Stream:     req.Stream,
		Extra:      captureExtra(body, chatRequestKeys),
	}
	if req.StreamOptions != nil {
		creq.IncludeUsage = req.StreamOptions.IncludeUsage
	}
	creq.Params.Temperature = req.Temperature
	creq.Params.TopP = req.TopP
	// max_completion_tokens supersedes the deprecated max_tokens.
	if req.MaxCompletion != nil {
		creq.Params.MaxTokens = req.MaxCompletion
	} else {
		creq.Params.MaxTokens = req.MaxTokens
	}
	creq.Params.Stop = stopSequences(req.Stop)

	for _, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		if t.Function == nil {
			return nil, NewDecodeError("tool entry missing function definition")
		}
		creq.Tools = append(creq.Tools, types.ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Schema:      t.Function.Parameters,
		})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem, "developer":
			creq.Messages = append(creq.Messages, types.Message{
				Role:  types.RoleSystem,
				Parts: contentParts(m.Content),
			})
		case types.RoleTool:
			callID := m.ToolCallID
			if callID == "" {
				callID = m.Name
			}
			creq.Messages = append(creq.Messages, types.Message{
				Role:         types.RoleTool,
				ToolResultID: callID,
				Parts:        contentParts(m.Content),
			})
		case types.RoleUser, types.RoleAssistant:
			msg := types.Message{Role: m.Role, Parts: contentParts(m.Content)}
			for _, tc := range m.ToolCalls {
				if tc.Type != "" && tc.Type != "function" {
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: argsFromString(tc.Function.Arguments),
				})
			}
			creq.Messages = append(creq.Messages, msg)
		default:
			return nil, NewDecodeError("unsupported message role %q", m.Role)
		}
	}

	return creq, nil
}

// EncodeRequest renders a canonical request in Chat Completions shape.
//
// Fixed normalization table for this target: canonical System becomes a
// leading system message (it stays separate, unlike the Messages API
// folding); RoleTool turns become role "tool" messages carrying
// tool_call_id; tool-call arguments are serialized to the arguments string
// verbatim.
func (a *OpenAIChatAdapter) EncodeRequest(req *types.CanonicalRequest) ([]byte, error) {
	if err := validateParams(req.Params, openAIParamBounds); err != nil {
		return nil, err
	}

	out := types.ChatCompletionRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		MaxTokens:   req.Params.MaxTokens,
	}
	if len(req.Params.Stop) > 0 {
		out.Stop = req.Params.Stop
	}
	if req.IncludeUsage {
		out.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	}
	if strings.TrimSpace(req.System) != "" {
		out.Messages = append(out.Messages, types.ChatMessage{Role: types.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		cm := types.ChatMessage{Role: m.Role}
		if m.Role == types.RoleTool {
			cm.ToolCallID = m.ToolResultID
		}
		cm.Content = chatContent(m.Parts)
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, types.OpenAIToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: types.FunctionCall{Name: tc.Name, Arguments: string(tc.Args)},
			})
		}
		out.Messages = append(out.Messages, cm)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, types.ChatTool{
			Type: "function",
			Function: &types.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, &EncodeError{Reason: err.Error()}
	}
	return spliceExtra(body, req.Extra)
}

// DecodeResponse parses a non-streaming Chat Completions response.
func (a *OpenAIChatAdapter) DecodeResponse(body []byte) (*types.CanonicalResponse, error) {
	var resp types.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewDecodeError("invalid upstream response: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewDecodeError("response has no choices")
	}

	choice := resp.Choices[0]
	cres := &types.CanonicalResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Text:  choice.Message.Content,
		Extra: captureExtra(body, chatResponseKeys),
	}
	if choice.FinishReason != nil {
		cres.StopReason = stopFromChatFinish[*choice.FinishReason]
	}
	for _, tc := range choice.Message.ToolCalls {
		cres.ToolCalls = append(cres.ToolCalls, types.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: argsFromString(tc.Function.Arguments),
		})
	}
	if resp.Usage != nil {
		cres.Usage = &types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return cres, nil
}

// EncodeResponse renders a canonical response as a chat.completion object.
func (a *OpenAIChatAdapter) EncodeResponse(resp *types.CanonicalResponse) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	stop := resp.StopReason
	if stop == "" {
		stop = types.StopEndTurn
		if len(resp.ToolCalls) > 0 {
			stop = types.StopToolUse
		}
	}
	finish, ok := chatFinishFromStop[stop]
	if !ok {
		return nil, &EncodeError{Reason: fmt.Sprintf("stop reason %q has no finish_reason mapping", stop)}
	}

	msg := types.ChatResponseMsg{Role: types.RoleAssistant, Content: resp.Text}
	for i, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, types.OpenAIToolCall{
			Index:    i,
			ID:       tc.ID,
			Type:     "function",
			Function: types.FunctionCall{Name: tc.Name, Arguments: string(tc.Args)},
		})
	}
	out := types.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []types.ChatChoice{{Index: 0, Message: msg, FinishReason: &finish}},
	}
	if resp.Usage != nil {
		out.Usage = &types.OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.Total(),
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, &EncodeError{Reason: err.Error()}
	}
	return spliceExtra(body, resp.Extra)
}

// WriteError writes an OpenAI-shaped error envelope.
func (a *OpenAIChatAdapter) WriteError(w http.ResponseWriter, status int, errType, message string) {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, types.ErrorResponse{
		Error: types.ErrorDetail{Message: message, Type: errType},
	})
}

// --- Streaming ---

// chatStreamDecoder maps Chat Completions SSE chunks onto canonical events.
// Tool-call argument fragments are keyed by choice tool-call index and only
// promoted once they parse or the stream finishes.
type chatStreamDecoder struct {
	tools    *stream.ToolBuffer
	started  bool
	finish   string
	usage    *types.Usage
	finished bool
}

// NewStreamDecoder returns a decoder for Chat Completions SSE streams.
func (a *OpenAIChatAdapter) NewStreamDecoder() stream.Decoder {
	return &chatStreamDecoder{tools: stream.NewToolBuffer()}
}

func (d *chatStreamDecoder) Decode(ev *stream.Event) ([]types.StreamEvent, error) {
	if ev.Data == nil {
		return nil, nil
	}
	var out []types.StreamEvent

	if !d.started {
		d.started = true
		id, _ := ev.Data["id"].(string)
		model, _ := ev.Data["model"].(string)
		out = append(out, types.StreamEvent{Kind: types.EventMessageStart, ID: id, Model: model})
	}
	if usage, ok := ev.Data["usage"].(map[string]any); ok {
		d.usage = &types.Usage{
			InputTokens:  types.IntFromAny(usage["prompt_tokens"]),
			OutputTokens: types.IntFromAny(usage["completion_tokens"]),
		}
	}
	if errBody, ok := ev.Data["error"].(map[string]any); ok {
		msg, _ := errBody["message"].(string)
		errType, _ := errBody["type"].(string)
		return append(out, types.StreamEvent{Kind: types.EventError, ErrType: errType, ErrMsg: msg}), nil
	}

	choices, _ := ev.Data["choices"].([]any)
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if delta, ok := choice["delta"].(map[string]any); ok {
			if text, _ := delta["content"].(string); text != "" {
				out = append(out, types.StreamEvent{Kind: types.EventContentDelta, Text: text})
			}
			calls, _ := delta["tool_calls"].([]any)
			for _, tc := range calls {
				call, ok := tc.(map[string]any)
				if !ok {
					continue
				}
				key := strconv.Itoa(types.IntFromAny(call["index"]))
				id, _ := call["id"].(string)
				var name, fragment string
				if fn, ok := call["function"].(map[string]any); ok {
					name, _ = fn["name"].(string)
					fragment, _ = fn["arguments"].(string)
				}
				d.tools.Begin(key, id, name)
				if fragment != "" {
					d.tools.Append(key, fragment)
				}
			}
		}
		if finish, _ := choice["finish_reason"].(string); finish != "" {
			d.finish = finish
		}
	}
	return out, nil
}

func (d *chatStreamDecoder) Finish() []types.StreamEvent {
	if d.finished {
		return nil
	}
	d.finished = true
	var out []types.StreamEvent
	for _, call := range d.tools.FinishAll() {
		c := call
		out = append(out, types.StreamEvent{Kind: types.EventToolCallDelta, ToolCall: &c})
	}
	stop := types.StreamEvent{Kind: types.EventMessageStop, Usage: d.usage}
	if mapped, ok := stopFromChatFinish[d.finish]; ok {
		stop.StopReason = mapped
	}
	return append(out, stop)
}

// chatStreamEncoder renders canonical events as Chat Completions SSE chunks
// terminated by data: [DONE].
type chatStreamEncoder struct {
	w       http.ResponseWriter
	flusher http.Flusher

	id           string
	model        string
	created      int64
	includeUsage bool
	roleSent     bool
	toolIndex    int
	sawTool      bool
}

// NewStreamEncoder returns an encoder writing chat.completion.chunk SSE.
func (a *OpenAIChatAdapter) NewStreamEncoder(w http.ResponseWriter, opts StreamOpts) stream.Encoder {
	flusher, _ := w.(http.Flusher)
	id := opts.ResponseID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	created := opts.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	return &chatStreamEncoder{
		w:            w,
		flusher:      flusher,
		id:           id,
		model:        opts.Model,
		created:      created,
		includeUsage: opts.IncludeUsage,
	}
}

func (e *chatStreamEncoder) writeData(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &EncodeError{Reason: err.Error()}
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

func (e *chatStreamEncoder) chunk(delta types.ChatDelta, finish *string) types.ChatCompletionChunk {
	return types.ChatCompletionChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []types.ChatChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (e *chatStreamEncoder) sendRole() error {
	if e.roleSent {
		return nil
	}
	e.roleSent = true
	return e.writeData(e.chunk(types.ChatDelta{Role: types.RoleAssistant}, nil))
}

func (e *chatStreamEncoder) Encode(ev types.StreamEvent) error {
	switch ev.Kind {
	case types.EventMessageStart:
		if ev.ID != "" {
			e.id = ev.ID
		}
		if ev.Model != "" {
			e.model = ev.Model
		}
		return e.sendRole()

	case types.EventContentDelta:
		if err := e.sendRole(); err != nil {
			return err
		}
		return e.writeData(e.chunk(types.ChatDelta{Content: ev.Text}, nil))

	case types.EventToolCallDelta:
		if ev.ToolCall == nil {
			return nil
		}
		if err := e.sendRole(); err != nil {
			return err
		}
		e.sawTool = true
		idx := e.toolIndex
		e.toolIndex++
		return e.writeData(e.chunk(types.ChatDelta{
			ToolCalls: []types.OpenAIToolCall{{
				Index:    idx,
				ID:       ev.ToolCall.ID,
				Type:     "function",
				Function: types.FunctionCall{Name: ev.ToolCall.Name, Arguments: string(ev.ToolCall.Args)},
			}},
		}, nil))

	case types.EventError:
		return e.writeData(types.ErrorResponse{
			Error: types.ErrorDetail{Message: ev.ErrMsg, Type: ev.ErrType},
		})

	case types.EventMessageStop:
		if err := e.sendRole(); err != nil {
			return err
		}
		stop := ev.StopReason
		if stop == "" {
			stop = types.StopEndTurn
			if e.sawTool {
				stop = types.StopToolUse
			}
		}
		finish := chatFinishFromStop[stop]
		if finish == "" {
			finish = "stop"
		}
		final := e.chunk(types.ChatDelta{}, &finish)
		if e.includeUsage && ev.Usage != nil {
			final.Usage = &types.OpenAIUsage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.Total(),
			}
		}
		if err := e.writeData(final); err != nil {
			return err
		}
		if _, err := fmt.Fprint(e.w, "data: [DONE]\n\n"); err != nil {
			return err
		}
		if e.flusher != nil {
			e.flusher.Flush()
		}
		return nil
	}
	return nil
}

// --- helpers ---

func contentParts(content any) []types.ContentPart {
	switch c := content.(type) {
	case string:
		if c == "" {
			return nil
		}
		return []types.ContentPart{{Type: "text", Text: c}}
	case []any:
		var parts []types.ContentPart
		for _, item := range c {
			p, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch partType, _ := p["type"].(string); partType {
			case "text":
				if text, _ := p["text"].(string); text != "" {
					parts = append(parts, types.ContentPart{Type: "text", Text: text})
				}
			case "image_url":
				var imageURL string
				if img, ok := p["image_url"].(map[string]any); ok {
					imageURL, _ = img["url"].(string)
				} else if s, ok := p["image_url"].(string); ok {
					imageURL = s
				}
				if imageURL != "" {
					parts = append(parts, types.ContentPart{Type: "image", ImageURL: imageURL})
				}
			}
		}
		return parts
	}
	return nil
}

func chatContent(parts []types.ContentPart) any {
	if len(parts) == 1 && parts[0].Type == "text" {
		return parts[0].Text
	}
	var out []map[string]any
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, map[string]any{"type": "text", "text": p.Text})
		case "image":
			out = append(out, map[string]any{"type": "image_url", "image_url": map[string]any{"url": p.ImageURL}})
		}
	}
	if out == nil {
		return ""
	}
	return out
}

func stopSequences(stop any) []string {
	switch s := stop.(type) {
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		var out []string
		for _, item := range s {
			if v, ok := item.(string); ok && v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return nil
}

func argsFromString(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}
