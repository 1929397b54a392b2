package router

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccproxy/internal/codec"
)

func TestDefaultTable(t *testing.T) {
	table, err := Default("https://api.anthropic.com/v1/messages", "https://chatgpt.com/backend-api/codex/responses")
	require.NoError(t, err)
	require.Len(t, table.Bindings(), 3)

	native, err := table.Resolve(http.MethodPost, "/openai/v1/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, codec.FormatOpenAIChat, native.Inbound)
	// The compatibility quirk: OpenAI in, Anthropic-native out.
	assert.Equal(t, codec.FormatAnthropic, native.Outbound)
	assert.Equal(t, codec.FormatAnthropic, native.Upstream.Format)

	translated, err := table.Resolve(http.MethodPost, "/cc/openai/v1/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, codec.FormatOpenAIChat, translated.Outbound)

	responses, err := table.Resolve(http.MethodPost, "/codex/responses")
	require.NoError(t, err)
	assert.Equal(t, codec.FormatResponses, responses.Inbound)
	assert.Equal(t, codec.FormatResponses, responses.Outbound)
}

func TestResolveTrailingSlash(t *testing.T) {
	table, err := Default("http://a/v1/messages", "http://r/responses")
	require.NoError(t, err)
	b, err := table.Resolve(http.MethodPost, "/codex/responses/")
	require.NoError(t, err)
	assert.Equal(t, "/codex/responses", b.Path)
}

func TestResolveUnroutable(t *testing.T) {
	table, err := Default("http://a/v1/messages", "http://r/responses")
	require.NoError(t, err)

	_, err = table.Resolve(http.MethodPost, "/v1/chat/completions")
	assert.True(t, errors.Is(err, ErrUnroutable))

	_, err = table.Resolve(http.MethodGet, "/codex/responses")
	assert.True(t, errors.Is(err, ErrUnroutable), "method is part of the key")
}

func TestNewTableValidation(t *testing.T) {
	valid := Binding{
		Method:   http.MethodPost,
		Path:     "/x",
		Inbound:  codec.FormatOpenAIChat,
		Outbound: codec.FormatOpenAIChat,
		Upstream: Target{URL: "http://u", Format: codec.FormatAnthropic},
	}

	t.Run("duplicate", func(t *testing.T) {
		_, err := NewTable([]Binding{valid, valid})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "overlapping")
	})

	t.Run("no upstream", func(t *testing.T) {
		b := valid
		b.Upstream.URL = ""
		_, err := NewTable([]Binding{b})
		require.Error(t, err)
	})

	t.Run("relative path", func(t *testing.T) {
		b := valid
		b.Path = "x"
		_, err := NewTable([]Binding{b})
		require.Error(t, err)
	})

	t.Run("same path different methods ok", func(t *testing.T) {
		b2 := valid
		b2.Method = http.MethodPut
		_, err := NewTable([]Binding{valid, b2})
		require.NoError(t, err)
	})
}
