package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureExtra(t *testing.T) {
	body := []byte(`{"model":"m","metadata":{"user_id":"u1"},"top_k":40}`)
	extra := captureExtra(body, knownKeys("model"))
	require.Len(t, extra, 2)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(extra["metadata"]))
	assert.Equal(t, "40", string(extra["top_k"]))
}

func TestCaptureExtraCompactsValues(t *testing.T) {
	body := []byte("{\"model\":\"m\",\"metadata\": {\n\t\t\"trace\": \"abc\"\n\t}}")
	extra := captureExtra(body, knownKeys("model"))
	require.Contains(t, extra, "metadata")
	assert.Equal(t, `{"trace":"abc"}`, string(extra["metadata"]))
}

func TestCaptureExtraNonObject(t *testing.T) {
	assert.Nil(t, captureExtra([]byte(`[1,2]`), knownKeys()))
	assert.Nil(t, captureExtra([]byte(`{"model":"m"}`), knownKeys("model")))
}

func TestSpliceExtraPreservesEncoderFields(t *testing.T) {
	body := []byte(`{"model":"m"}`)
	out, err := spliceExtra(body, map[string]json.RawMessage{
		"metadata": json.RawMessage(`{"user_id":"u1"}`),
		"model":    json.RawMessage(`"hijacked"`),
	})
	require.NoError(t, err)
	// The encoder's own field wins; the unknown field is spliced in.
	assert.JSONEq(t, `{"model":"m","metadata":{"user_id":"u1"}}`, string(out))
}

func TestSpliceExtraDottedKey(t *testing.T) {
	out, err := spliceExtra([]byte(`{"model":"m"}`), map[string]json.RawMessage{
		"a.b": json.RawMessage(`1`),
	})
	require.NoError(t, err)
	// The key must stay literal, not become a nested object.
	assert.JSONEq(t, `{"model":"m","a.b":1}`, string(out))
}

func TestRequestPassthroughEndToEnd(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": "hi"}],
		"metadata": {"trace": "abc"}
	}`)
	req, err := NewOpenAIChatAdapter().DecodeRequest(body)
	require.NoError(t, err)
	require.Contains(t, req.Extra, "metadata")

	encoded, err := NewAnthropicAdapter().EncodeRequest(req)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"trace":"abc"`)
}
