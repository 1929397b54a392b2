package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ccproxy/internal/auth"
	"ccproxy/internal/codec"
	"ccproxy/internal/router"
	"ccproxy/internal/stream"
	"ccproxy/internal/types"
	"ccproxy/internal/upstream"
)

// maxRequestBodyBytes caps inbound request bodies. 10 MiB fits any realistic
// conversation payload including base64 images.
const maxRequestBodyBytes = 10 << 20

// translateHandler builds the handler for one endpoint binding. Adapters are
// resolved once at wiring time; per-request state stays on the stack.
func (s *Server) translateHandler(b router.Binding) http.HandlerFunc {
	in := s.codecs.MustGet(b.Inbound)
	out := s.codecs.MustGet(b.Outbound)
	up := s.codecs.MustGet(b.Upstream.Format)

	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
		if err != nil {
			out.WriteError(w, http.StatusBadRequest, "invalid_request_error", "unable to read request body")
			return
		}

		creq, err := in.DecodeRequest(body)
		if err != nil {
			writeCodecError(w, out, err)
			return
		}
		payload, err := up.EncodeRequest(creq)
		if err != nil {
			writeCodecError(w, out, err)
			return
		}

		headers := http.Header{}
		if err := s.auth.Apply(r.Context(), headers, r.Header, headerStyle(b.Upstream.Format)); err != nil {
			out.WriteError(w, http.StatusUnauthorized, "authentication_error", err.Error())
			return
		}

		resp, terr := s.upstream.Do(r.Context(), b.Upstream.URL, payload, headers, creq.Stream)
		if terr != nil {
			writeTransportError(w, out, terr)
			return
		}

		if creq.Stream {
			s.relayStream(w, r, out, up, creq, resp.Body)
			return
		}
		writeBuffered(w, out, up, creq, resp.Body)
	}
}

// relayStream pumps the upstream SSE body through the decoder/encoder pair
// for this binding, one event at a time.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, out, up codec.Adapter, creq *types.CanonicalRequest, body io.ReadCloser) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	relay := &stream.Relay{
		Decoder: up.NewStreamDecoder(),
		Encoder: out.NewStreamEncoder(w, codec.StreamOpts{
			Model:        creq.Model,
			Created:      time.Now().Unix(),
			IncludeUsage: creq.IncludeUsage,
		}),
		IdleTimeout: s.cfg.StreamIdleTimeout,
	}
	if err := relay.Run(r.Context(), body); err != nil {
		// Headers are long gone; the failure already reached the caller as
		// an in-stream error event where one could be delivered.
		slog.Warn("stream relay ended with error", "path", r.URL.Path, "error", err)
	}
}

// writeBuffered translates a non-streaming upstream response.
func writeBuffered(w http.ResponseWriter, out, up codec.Adapter, creq *types.CanonicalRequest, body io.ReadCloser) {
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		out.WriteError(w, http.StatusBadGateway, "api_error", "unable to read upstream response")
		return
	}
	cres, err := up.DecodeResponse(raw)
	if err != nil {
		slog.Warn("undecodable upstream response", "error", err, "bytes", len(raw))
		out.WriteError(w, http.StatusBadGateway, "api_error", "unable to parse upstream response")
		return
	}
	if cres.Model == "" {
		cres.Model = creq.Model
	}
	encoded, err := out.EncodeResponse(cres)
	if err != nil {
		writeCodecError(w, out, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(encoded)
}

// writeCodecError maps translation failures onto HTTP statuses: caller
// mistakes are 400s, untranslatable upstream data is a 502.
func writeCodecError(w http.ResponseWriter, out codec.Adapter, err error) {
	var decodeErr *codec.DecodeError
	var paramErr *codec.InvalidParameterError
	var encodeErr *codec.EncodeError
	switch {
	case errors.As(err, &decodeErr):
		out.WriteError(w, http.StatusBadRequest, "invalid_request_error", decodeErr.Error())
	case errors.As(err, &paramErr):
		out.WriteError(w, http.StatusBadRequest, "invalid_request_error", paramErr.Error())
	case errors.As(err, &encodeErr):
		out.WriteError(w, http.StatusBadGateway, "api_error", encodeErr.Error())
	default:
		out.WriteError(w, http.StatusInternalServerError, "api_error", err.Error())
	}
}

// writeTransportError maps a classified upstream failure onto the caller's
// error envelope. Upstream HTTP errors keep their original status; transport
// failures become 502/504.
func writeTransportError(w http.ResponseWriter, out codec.Adapter, terr *upstream.TransportError) {
	status := terr.HTTPStatus()
	if terr.Kind == upstream.KindUpstreamHTTP {
		out.WriteError(w, status, "upstream_error", codec.FormatUpstreamError(terr.Status, terr.Body))
		return
	}
	out.WriteError(w, status, terr.Kind.String(), terr.Error())
}

func headerStyle(f codec.Format) auth.HeaderStyle {
	if f == codec.FormatAnthropic {
		return auth.StyleAnthropic
	}
	return auth.StyleBearer
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("unable to encode response", "error", err)
	}
}
