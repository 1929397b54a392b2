// Package stream implements the SSE relay engine: upstream events are decoded
// into canonical stream events and re-encoded into the caller's wire format
// one at a time, with no whole-response buffering.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"ccproxy/internal/types"
)

// ErrStreamTimeout is returned by Relay.Run when neither side made progress
// within the idle limit.
var ErrStreamTimeout = errors.New("stream idle timeout exceeded")

// Decoder turns one upstream SSE event into zero or more canonical events.
// Finish drains any state held back for structural completeness once the
// upstream stream ends.
type Decoder interface {
	Decode(ev *Event) ([]types.StreamEvent, error)
	Finish() []types.StreamEvent
}

// Encoder writes one canonical event to the caller in its wire format and
// flushes it before the next upstream read.
type Encoder interface {
	Encode(ev types.StreamEvent) error
}

// Relay pumps an upstream SSE body through a Decoder/Encoder pair.
//
// Invariants: events reach the caller in upstream order, each
// one is flushed before the next upstream read, exactly one MessageStop is
// emitted on every exit path, and a mid-stream upstream failure produces a
// canonical Error event instead of a silent truncation.
type Relay struct {
	Decoder Decoder
	Encoder Encoder
	// IdleTimeout bounds the gap between successive progress points (an
	// upstream read or a caller write). Zero disables the watchdog.
	IdleTimeout time.Duration
}

// Run consumes body until it ends and returns the first relay error, if any.
// The body is closed on every exit path; when ctx is cancelled (the caller
// disconnected) the pending upstream read is unblocked by that close.
func (r *Relay) Run(ctx context.Context, body io.ReadCloser) error {
	defer body.Close()

	var timedOut atomic.Bool
	var watchdog *time.Timer
	if r.IdleTimeout > 0 {
		watchdog = time.AfterFunc(r.IdleTimeout, func() {
			timedOut.Store(true)
			body.Close()
		})
		defer watchdog.Stop()
	}
	touch := func() {
		if watchdog != nil {
			watchdog.Reset(r.IdleTimeout)
		}
	}

	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	stopSent := false
	emit := func(events []types.StreamEvent) error {
		for _, ev := range events {
			if ev.Kind == types.EventMessageStop {
				if stopSent {
					continue
				}
				stopSent = true
			}
			if err := r.Encoder.Encode(ev); err != nil {
				return err
			}
			touch()
		}
		return nil
	}

	reader := NewReader(body)
	var readErr error
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		touch()

		events, derr := r.Decoder.Decode(ev)
		if derr != nil {
			slog.Debug("skipping undecodable upstream event", "type", ev.Type, "error", derr)
			continue
		}
		if err := emit(events); err != nil {
			// Caller is gone; nothing left to relay.
			return err
		}
	}

	if readErr != nil || ctx.Err() != nil || timedOut.Load() {
		errEvent := types.StreamEvent{Kind: types.EventError, ErrType: "upstream_error"}
		runErr := readErr
		switch {
		case timedOut.Load():
			errEvent.ErrType = "stream_timeout"
			errEvent.ErrMsg = "stream idle timeout exceeded"
			runErr = ErrStreamTimeout
		case ctx.Err() != nil:
			// Caller disconnected; no one is listening for an error event.
			return ctx.Err()
		default:
			errEvent.ErrMsg = "upstream connection failed mid-stream: " + readErr.Error()
		}
		if err := emit([]types.StreamEvent{errEvent, {Kind: types.EventMessageStop}}); err != nil {
			return err
		}
		return runErr
	}

	if err := emit(r.Decoder.Finish()); err != nil {
		return err
	}
	if !stopSent {
		if err := emit([]types.StreamEvent{{Kind: types.EventMessageStop}}); err != nil {
			return err
		}
	}
	return nil
}
