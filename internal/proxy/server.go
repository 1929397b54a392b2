// Package proxy is the HTTP surface of the gateway. Each endpoint binding
// becomes one handler that decodes the caller's request, re-encodes it for
// its upstream, forwards it, and translates the response (buffered or
// streamed) back into the caller-facing format.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"ccproxy/internal/auth"
	"ccproxy/internal/codec"
	"ccproxy/internal/config"
	"ccproxy/internal/router"
	"ccproxy/internal/upstream"
)

// upstreamDoer abstracts the upstream client so handlers can be tested with
// a mock without a real network connection.
type upstreamDoer interface {
	Do(ctx context.Context, url string, body []byte, headers http.Header, stream bool) (*http.Response, *upstream.TransportError)
}

// credentialApplier abstracts credential resolution for the same reason.
type credentialApplier interface {
	Apply(ctx context.Context, out, inbound http.Header, style auth.HeaderStyle) error
}

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.ServerConfig
	codecs     *codec.Registry
	routes     *router.Table
	upstream   upstreamDoer
	auth       credentialApplier
	httpServer *http.Server
}

// New creates a fully wired server from configuration.
func New(cfg *config.ServerConfig) (*Server, error) {
	routes, err := router.Default(cfg.AnthropicMessagesURL(), cfg.ResponsesURL())
	if err != nil {
		return nil, err
	}
	client, err := upstream.NewClient(upstream.ConfigFromEnv(os.Getenv), cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("unable to build upstream transport: %w", err)
	}
	mgr := auth.NewManager(cfg.AnthropicAPIKey, cfg.OpenAIToken, cfg.AuthFile,
		auth.NewOAuth2Config(config.OAuthClientID(), config.OAuthIssuer()))
	return NewWith(cfg, routes, client, mgr), nil
}

// NewWith creates a server with injected collaborators.
func NewWith(cfg *config.ServerConfig, routes *router.Table, doer upstreamDoer, creds credentialApplier) *Server {
	s := &Server{
		cfg:      cfg,
		codecs:   codec.NewRegistry(),
		routes:   routes,
		upstream: doer,
		auth:     creds,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("OPTIONS /", s.handleOptions)

	for _, b := range routes.Bindings() {
		mux.Handle(b.Method+" "+b.Path, s.translateHandler(b))
	}
	// Everything the explicit patterns miss lands here: either a
	// trailing-slash variant of a known binding, or a formatted 404.
	mux.HandleFunc("/", s.handleFallback)

	handler := s.corsMiddleware(s.verboseMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: handler,
		// ReadTimeout covers only reading the request body; 30s is plenty
		// for any JSON payload.
		ReadTimeout: 30 * time.Second,
		// WriteTimeout must outlast the stream idle watchdog plus
		// translation overhead, or long streams get hard-cut mid-response.
		WriteTimeout: cfg.StreamIdleTimeout + 5*time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the wired handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// handleFallback retries the route table with trailing-slash tolerance,
// then answers 404 in the generic OpenAI error envelope.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	if b, err := s.routes.Resolve(r.Method, r.URL.Path); err == nil {
		s.translateHandler(b).ServeHTTP(w, r)
		return
	}
	s.codecs.MustGet(codec.FormatOpenAIChat).WriteError(w, http.StatusNotFound,
		"not_found_error", fmt.Sprintf("no endpoint for %s %s", r.Method, r.URL.Path))
}

// corsMiddleware allows requests from any origin. The gateway is designed
// for local use; wildcard CORS lets browser-based IDE extensions reach it
// without a per-origin allowlist.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqHeaders := r.Header.Get("Access-Control-Request-Headers")
		if reqHeaders == "" {
			reqHeaders = "Authorization, Content-Type, Accept"
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verboseMiddleware(next http.Handler) http.Handler {
	if !s.cfg.Verbose {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
