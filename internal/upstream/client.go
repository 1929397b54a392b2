package upstream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxErrorBodyBytes caps how much of an upstream error body is retained.
const maxErrorBodyBytes = 64 * 1024

// Client performs upstream calls over the shared pooled transport. It is
// safe for concurrent use; per-request state lives in the request context.
type Client struct {
	http    *http.Client
	verbose bool
}

// NewClient builds a client from the process-wide transport configuration.
func NewClient(cfg TransportConfig, verbose bool) (*Client, error) {
	transport, err := cfg.NewTransport()
	if err != nil {
		return nil, err
	}
	// No client-level timeout: SSE responses are long-lived. Stalls are
	// handled by the dial/TLS timeouts and the relay idle watchdog.
	return &Client{
		http:    &http.Client{Transport: transport},
		verbose: verbose,
	}, nil
}

// Do POSTs body to url and returns the open response. Transport failures and
// upstream statuses >= 400 come back as a classified *TransportError; the
// response body is fully consumed and closed on those paths so the
// connection is always released.
func (c *Client) Do(ctx context.Context, url string, body []byte, headers http.Header, stream bool) (*http.Response, *TransportError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Kind: KindConnectFailed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	if c.verbose {
		slog.Info("upstream.request", "url", url, "bytes", len(body), "stream", stream)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		terr := Classify(err)
		slog.Warn("upstream request failed", "url", url, "kind", terr.Kind.String(), "error", err)
		return nil, terr
	}

	if c.verbose {
		attrs := []any{"status", resp.StatusCode}
		if id := requestID(resp.Header); id != "" {
			attrs = append(attrs, "request_id", id)
		}
		slog.Info("upstream.response", attrs...)
	}

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, &TransportError{
			Kind:    KindUpstreamHTTP,
			Status:  resp.StatusCode,
			Body:    errBody,
			Headers: resp.Header,
		}
	}
	return resp, nil
}

func requestID(headers http.Header) string {
	for _, key := range []string{
		"x-request-id", "request-id", "x-openai-request-id", "anthropic-request-id", "cf-ray",
	} {
		if v := strings.TrimSpace(headers.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
