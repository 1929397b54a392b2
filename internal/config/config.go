// Package config holds the process configuration, derived once at startup
// from environment variables and flag overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// AnthropicBaseURLDefault is the default native upstream.
	AnthropicBaseURLDefault = "https://api.anthropic.com"
	// ResponsesBaseURLDefault is the default Codex upstream.
	ResponsesBaseURLDefault = "https://chatgpt.com/backend-api/codex"
	// StreamIdleTimeoutDefault bounds the gap between stream progress points.
	StreamIdleTimeoutDefault = 5 * time.Minute

	// OAuthClientIDDefault is the Codex CLI public client used to refresh
	// stored tokens.
	OAuthClientIDDefault = "app_EMoamEEZ73f0CkXaXp7hrann"
	// OAuthIssuerDefault is the default OAuth issuer.
	OAuthIssuerDefault = "https://auth.openai.com"
)

// OAuthClientID returns the OAuth client ID from env or default.
func OAuthClientID() string {
	return envOrDefault("CCPROXY_OAUTH_CLIENT_ID", OAuthClientIDDefault)
}

// OAuthIssuer returns the OAuth issuer URL from env or default.
func OAuthIssuer() string {
	return envOrDefault("CCPROXY_OAUTH_ISSUER", OAuthIssuerDefault)
}

// ServerConfig holds all gateway configuration. Immutable after startup and
// shared read-only by all requests.
type ServerConfig struct {
	Host    string
	Port    int
	Verbose bool
	Debug   bool

	AnthropicBaseURL string
	ResponsesBaseURL string

	// AnthropicAPIKey and OpenAIToken are the fallback credentials used when
	// the caller sends none of its own.
	AnthropicAPIKey string
	OpenAIToken     string
	// AuthFile is the path of stored OAuth credentials for the Codex
	// upstream, refreshed on demand.
	AuthFile string

	StreamIdleTimeout time.Duration

	// LogFile enables rotating file logging when set.
	LogFile string
}

// DefaultFromEnv creates a ServerConfig with defaults from environment
// variables.
func DefaultFromEnv() *ServerConfig {
	return &ServerConfig{
		Host:              "127.0.0.1",
		Port:              8086,
		Verbose:           envBool("CCPROXY_VERBOSE"),
		Debug:             envBool("CCPROXY_DEBUG"),
		AnthropicBaseURL:  envOrDefault("CCPROXY_ANTHROPIC_BASE_URL", AnthropicBaseURLDefault),
		ResponsesBaseURL:  envOrDefault("CCPROXY_RESPONSES_BASE_URL", ResponsesBaseURLDefault),
		AnthropicAPIKey:   firstEnv("CCPROXY_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"),
		OpenAIToken:       firstEnv("CCPROXY_OPENAI_TOKEN", "OPENAI_API_KEY"),
		AuthFile:          os.Getenv("CCPROXY_AUTH_FILE"),
		StreamIdleTimeout: envDuration("CCPROXY_STREAM_IDLE_TIMEOUT", StreamIdleTimeoutDefault),
		LogFile:           os.Getenv("CCPROXY_LOG_FILE"),
	}
}

// AnthropicMessagesURL returns the full Messages API endpoint.
func (c *ServerConfig) AnthropicMessagesURL() string {
	return strings.TrimSuffix(c.AnthropicBaseURL, "/") + "/v1/messages"
}

// ResponsesURL returns the full Responses API endpoint.
func (c *ServerConfig) ResponsesURL() string {
	return strings.TrimSuffix(c.ResponsesBaseURL, "/") + "/responses"
}

func envOrDefault(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}
