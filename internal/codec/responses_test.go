package codec

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccproxy/internal/types"
)

func TestResponsesDecodeRequest(t *testing.T) {
	body := []byte(`{
		"model": "gpt-5-codex",
		"instructions": "You are a coding agent.",
		"stream": true,
		"max_output_tokens": 2048,
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "List files"}]},
			{"type": "function_call", "call_id": "call_1", "name": "shell", "arguments": "{\"cmd\":\"ls\"}"},
			{"type": "function_call_output", "call_id": "call_1", "output": "main.go"}
		]
	}`)

	req, err := NewResponsesAdapter().DecodeRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "You are a coding agent.", req.System)
	require.NotNil(t, req.Params.MaxTokens)
	assert.Equal(t, 2048, *req.Params.MaxTokens)

	require.Len(t, req.Messages, 3)
	assert.Equal(t, types.RoleUser, req.Messages[0].Role)
	require.Len(t, req.Messages[1].ToolCalls, 1)
	assert.Equal(t, "call_1", req.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, types.RoleTool, req.Messages[2].Role)
	assert.Equal(t, "main.go", req.Messages[2].Text())
}

func TestResponsesDecodeRequestUnsupportedItem(t *testing.T) {
	body := []byte(`{"model":"m","input":[{"type":"reasoning"}]}`)
	_, err := NewResponsesAdapter().DecodeRequest(body)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Contains(t, err.Error(), "reasoning")
}

func TestResponsesEncodeRequest(t *testing.T) {
	req := &types.CanonicalRequest{
		Model:  "gpt-5-codex",
		System: "Instructions.",
		Messages: []types.Message{
			{Role: types.RoleSystem, Parts: []types.ContentPart{{Type: "text", Text: "More."}}},
			{Role: types.RoleUser, Parts: []types.ContentPart{{Type: "text", Text: "Hi"}}},
			{
				Role:      types.RoleAssistant,
				Parts:     []types.ContentPart{{Type: "text", Text: "Running."}},
				ToolCalls: []types.ToolCall{{ID: "call_2", Name: "shell", Args: json.RawMessage(`{"cmd":"ls"}`)}},
			},
			{Role: types.RoleTool, ToolResultID: "call_2", Parts: []types.ContentPart{{Type: "text", Text: "ok"}}},
		},
	}
	body, err := NewResponsesAdapter().EncodeRequest(req)
	require.NoError(t, err)

	var out types.ResponsesRequest
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "Instructions.\n\nMore.", out.Instructions)

	require.Len(t, out.Input, 4)
	assert.Equal(t, "message", out.Input[0].Type)
	// The function_call item precedes its sibling message item.
	assert.Equal(t, "function_call", out.Input[1].Type)
	assert.Equal(t, "message", out.Input[2].Type)
	assert.Equal(t, "output_text", out.Input[2].Content[0].Type)
	assert.Equal(t, "function_call_output", out.Input[3].Type)
	assert.Equal(t, "call_2", out.Input[3].CallID)
}

func TestResponsesResponseRoundTrip(t *testing.T) {
	body := []byte(`{
		"id": "resp_1",
		"object": "response",
		"model": "gpt-5-codex",
		"status": "completed",
		"output": [
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "done"}]},
			{"type": "function_call", "call_id": "call_1", "name": "shell", "arguments": "{\"cmd\":\"ls\"}"}
		],
		"usage": {"input_tokens": 11, "output_tokens": 7, "total_tokens": 18}
	}`)
	a := NewResponsesAdapter()
	cres, err := a.DecodeResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "done", cres.Text)
	assert.Equal(t, types.StopToolUse, cres.StopReason)
	require.Len(t, cres.ToolCalls, 1)

	encoded, err := a.EncodeResponse(cres)
	require.NoError(t, err)
	s := string(encoded)
	assert.Contains(t, s, `"id":"resp_1"`)
	assert.Contains(t, s, `"status":"completed"`)
	assert.Contains(t, s, `"output_text"`)
	assert.Contains(t, s, `"total_tokens":18`)
}

func TestResponsesIncompleteStatus(t *testing.T) {
	a := NewResponsesAdapter()
	cres, err := a.DecodeResponse([]byte(`{"id":"r","status":"incomplete","output":[]}`))
	require.NoError(t, err)
	assert.Equal(t, types.StopMaxTokens, cres.StopReason)

	encoded, err := a.EncodeResponse(cres)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"status":"incomplete"`)
}

func TestResponsesStreamDecoder(t *testing.T) {
	raw := "event: response.created\ndata: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_1\",\"model\":\"gpt-5-codex\"}}\n\n" +
		"event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"Hel\"}\n\n" +
		"event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"lo\"}\n\n" +
		"event: response.output_item.added\ndata: {\"type\":\"response.output_item.added\",\"item\":{\"type\":\"function_call\",\"id\":\"item_1\",\"call_id\":\"call_1\",\"name\":\"shell\"}}\n\n" +
		"event: response.function_call_arguments.delta\ndata: {\"type\":\"response.function_call_arguments.delta\",\"item_id\":\"item_1\",\"delta\":\"{\\\"cmd\\\":\"}\n\n" +
		"event: response.function_call_arguments.delta\ndata: {\"type\":\"response.function_call_arguments.delta\",\"item_id\":\"item_1\",\"delta\":\"\\\"ls\\\"}\"}\n\n" +
		"event: response.output_item.done\ndata: {\"type\":\"response.output_item.done\",\"item\":{\"type\":\"function_call\",\"id\":\"item_1\",\"call_id\":\"call_1\",\"name\":\"shell\"}}\n\n" +
		"event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_1\",\"status\":\"completed\",\"usage\":{\"input_tokens\":6,\"output_tokens\":4}}}\n\n" +
		"data: [DONE]\n\n"

	events := decodeSSE(t, NewResponsesAdapter().NewStreamDecoder(), raw)

	assert.Equal(t, types.EventMessageStart, events[0].Kind)
	var text string
	var tool *types.ToolCall
	var stop *types.StreamEvent
	for i := range events {
		switch events[i].Kind {
		case types.EventContentDelta:
			text += events[i].Text
		case types.EventToolCallDelta:
			tool = events[i].ToolCall
		case types.EventMessageStop:
			stop = &events[i]
		}
	}
	assert.Equal(t, "Hello", text)
	require.NotNil(t, tool)
	assert.Equal(t, "call_1", tool.ID)
	assert.JSONEq(t, `{"cmd":"ls"}`, string(tool.Args))
	require.NotNil(t, stop)
	require.NotNil(t, stop.Usage)
	assert.Equal(t, 10, stop.Usage.Total())
}

func TestResponsesStreamDecoderFailure(t *testing.T) {
	raw := "event: response.failed\ndata: {\"type\":\"response.failed\",\"response\":{\"error\":{\"type\":\"server_error\",\"message\":\"backend exploded\"}}}\n\n"
	events := decodeSSE(t, NewResponsesAdapter().NewStreamDecoder(), raw)

	require.Len(t, events, 1)
	assert.Equal(t, types.EventError, events[0].Kind)
	assert.Equal(t, "server_error", events[0].ErrType)
	assert.Equal(t, "backend exploded", events[0].ErrMsg)
}

func TestResponsesStreamEncoderEchoesModel(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewResponsesAdapter().NewStreamEncoder(rec, StreamOpts{Model: "gpt-5-codex"})

	events := []types.StreamEvent{
		{Kind: types.EventMessageStart, ID: "resp_9", Model: "gpt-5-codex"},
		{Kind: types.EventContentDelta, Text: "Hi"},
		{Kind: types.EventToolCallDelta, ToolCall: &types.ToolCall{ID: "call_1", Name: "shell", Args: json.RawMessage(`{}`)}},
		{Kind: types.EventMessageStop, Usage: &types.Usage{InputTokens: 1, OutputTokens: 2}},
	}
	for _, ev := range events {
		require.NoError(t, enc.Encode(ev))
	}

	out := rec.Body.String()
	assert.Contains(t, out, "event: response.created")
	assert.Contains(t, out, "event: response.output_text.delta")
	assert.Contains(t, out, "event: response.output_item.done")
	assert.Contains(t, out, "event: response.completed")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))

	// Every event payload carries the model.
	dataLines := 0
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		dataLines++
		assert.Contains(t, line, `"model":"gpt-5-codex"`, "event payload missing model echo: %s", line)
	}
	assert.Greater(t, dataLines, 3)
}

func TestResponsesStreamEncoderFailureSuppressesCompleted(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewResponsesAdapter().NewStreamEncoder(rec, StreamOpts{Model: "m"})

	require.NoError(t, enc.Encode(types.StreamEvent{Kind: types.EventContentDelta, Text: "x"}))
	require.NoError(t, enc.Encode(types.StreamEvent{Kind: types.EventError, ErrType: "upstream_error", ErrMsg: "lost"}))
	require.NoError(t, enc.Encode(types.StreamEvent{Kind: types.EventMessageStop}))

	out := rec.Body.String()
	assert.Contains(t, out, "event: response.failed")
	assert.NotContains(t, out, "event: response.completed")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}
