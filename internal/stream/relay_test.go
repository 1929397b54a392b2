package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ccproxy/internal/types"
)

// testDecoder maps "delta" events to content deltas and "stop" events to a
// message stop; Finish emits a trailing marker so drain behavior is visible.
type testDecoder struct {
	finishEvents []types.StreamEvent
}

func (d *testDecoder) Decode(ev *Event) ([]types.StreamEvent, error) {
	switch ev.Type {
	case "delta":
		text, _ := ev.Data["t"].(string)
		return []types.StreamEvent{{Kind: types.EventContentDelta, Text: text}}, nil
	case "stop":
		return []types.StreamEvent{{Kind: types.EventMessageStop, StopReason: types.StopEndTurn}}, nil
	}
	return nil, nil
}

func (d *testDecoder) Finish() []types.StreamEvent {
	return d.finishEvents
}

type recordEncoder struct {
	events []types.StreamEvent
}

func (e *recordEncoder) Encode(ev types.StreamEvent) error {
	e.events = append(e.events, ev)
	return nil
}

type errAfterReader struct {
	r   io.Reader
	err error
}

func (e *errAfterReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		return n, e.err
	}
	return n, err
}

func (e *errAfterReader) Close() error { return nil }

func countStops(events []types.StreamEvent) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == types.EventMessageStop {
			n++
		}
	}
	return n
}

func TestRelayNormalFlow(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"event: delta\ndata: {\"t\":\"Hello\"}\n\n" +
			"event: delta\ndata: {\"t\":\" world\"}\n\n" +
			"event: stop\ndata: {}\n\n"))
	enc := &recordEncoder{}
	relay := &Relay{Decoder: &testDecoder{}, Encoder: enc}

	if err := relay.Run(context.Background(), body); err != nil {
		t.Fatal(err)
	}
	if len(enc.events) != 3 {
		t.Fatalf("got %d events: %+v", len(enc.events), enc.events)
	}
	if enc.events[0].Text != "Hello" || enc.events[1].Text != " world" {
		t.Errorf("deltas out of order: %+v", enc.events)
	}
	if countStops(enc.events) != 1 {
		t.Errorf("expected exactly one stop, got %d", countStops(enc.events))
	}
}

func TestRelaySynthesizesStopOnCleanEOF(t *testing.T) {
	body := io.NopCloser(strings.NewReader("event: delta\ndata: {\"t\":\"x\"}\n\n"))
	enc := &recordEncoder{}
	relay := &Relay{Decoder: &testDecoder{}, Encoder: enc}

	if err := relay.Run(context.Background(), body); err != nil {
		t.Fatal(err)
	}
	if countStops(enc.events) != 1 {
		t.Fatalf("expected synthesized stop, events: %+v", enc.events)
	}
	if enc.events[len(enc.events)-1].Kind != types.EventMessageStop {
		t.Error("stop is not the final event")
	}
}

func TestRelayDrainsDecoderFinish(t *testing.T) {
	body := io.NopCloser(strings.NewReader("event: delta\ndata: {\"t\":\"x\"}\n\n"))
	pending := types.StreamEvent{
		Kind:     types.EventToolCallDelta,
		ToolCall: &types.ToolCall{ID: "call_1", Name: "late_tool", Args: []byte(`{}`)},
	}
	enc := &recordEncoder{}
	relay := &Relay{Decoder: &testDecoder{finishEvents: []types.StreamEvent{pending}}, Encoder: enc}

	if err := relay.Run(context.Background(), body); err != nil {
		t.Fatal(err)
	}
	var sawTool bool
	for _, ev := range enc.events {
		if ev.Kind == types.EventToolCallDelta && ev.ToolCall.Name == "late_tool" {
			sawTool = true
		}
	}
	if !sawTool {
		t.Errorf("pending tool call not drained: %+v", enc.events)
	}
	if countStops(enc.events) != 1 {
		t.Errorf("stop count = %d", countStops(enc.events))
	}
}

func TestRelayMidStreamFailure(t *testing.T) {
	upstreamErr := errors.New("connection reset by peer")
	body := &errAfterReader{
		r:   strings.NewReader("event: delta\ndata: {\"t\":\"partial\"}\n\n"),
		err: upstreamErr,
	}
	enc := &recordEncoder{}
	relay := &Relay{Decoder: &testDecoder{}, Encoder: enc}

	err := relay.Run(context.Background(), body)
	if !errors.Is(err, upstreamErr) {
		t.Fatalf("expected upstream error back, got %v", err)
	}

	var errEvent *types.StreamEvent
	for i := range enc.events {
		if enc.events[i].Kind == types.EventError {
			errEvent = &enc.events[i]
		}
	}
	if errEvent == nil {
		t.Fatalf("no error event emitted: %+v", enc.events)
	}
	if errEvent.ErrType != "upstream_error" || !strings.Contains(errEvent.ErrMsg, "connection reset") {
		t.Errorf("error event = %+v", errEvent)
	}
	if countStops(enc.events) != 1 {
		t.Errorf("stop count = %d", countStops(enc.events))
	}
	if enc.events[len(enc.events)-1].Kind != types.EventMessageStop {
		t.Error("stream not terminated by a stop event")
	}
}

func TestRelayIdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("event: delta\ndata: {\"t\":\"x\"}\n\n"))
		// Then go silent; the watchdog must fire.
	}()

	enc := &recordEncoder{}
	relay := &Relay{Decoder: &testDecoder{}, Encoder: enc, IdleTimeout: 50 * time.Millisecond}

	err := relay.Run(context.Background(), pr)
	if !errors.Is(err, ErrStreamTimeout) {
		t.Fatalf("expected ErrStreamTimeout, got %v", err)
	}
	var sawTimeout bool
	for _, ev := range enc.events {
		if ev.Kind == types.EventError && ev.ErrType == "stream_timeout" {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Errorf("no timeout error event: %+v", enc.events)
	}
	if countStops(enc.events) != 1 {
		t.Errorf("stop count = %d", countStops(enc.events))
	}
}

// gatedEncoder blocks inside the first Encode until released, standing in
// for a caller that stopped draining the response.
type gatedEncoder struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	events  []types.StreamEvent
}

func newGatedEncoder() *gatedEncoder {
	return &gatedEncoder{entered: make(chan struct{}), release: make(chan struct{})}
}

func (e *gatedEncoder) Encode(ev types.StreamEvent) error {
	e.events = append(e.events, ev)
	e.once.Do(func() {
		close(e.entered)
		<-e.release
	})
	return nil
}

func TestRelayBlockedCallerHaltsUpstreamReads(t *testing.T) {
	pr, pw := io.Pipe()
	var secondWriteDone atomic.Bool
	go func() {
		pw.Write([]byte("event: delta\ndata: {\"t\":\"x\"}\n\n"))
		// This write cannot complete until the relay reads again.
		pw.Write([]byte("event: stop\ndata: {}\n\n"))
		secondWriteDone.Store(true)
		pw.Close()
	}()

	enc := newGatedEncoder()
	relay := &Relay{Decoder: &testDecoder{}, Encoder: enc}
	done := make(chan error, 1)
	go func() { done <- relay.Run(context.Background(), pr) }()

	<-enc.entered
	time.Sleep(50 * time.Millisecond)
	if secondWriteDone.Load() {
		t.Fatal("upstream write completed while the caller was not draining")
	}

	close(enc.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !secondWriteDone.Load() {
		t.Error("upstream never resumed after the caller drained")
	}
	if countStops(enc.events) != 1 {
		t.Errorf("stop count = %d", countStops(enc.events))
	}
}

func TestRelayWatchdogFiresWhileCallerBlocked(t *testing.T) {
	pr, pw := io.Pipe()
	go pw.Write([]byte("event: delta\ndata: {\"t\":\"x\"}\n\n"))

	enc := newGatedEncoder()
	relay := &Relay{Decoder: &testDecoder{}, Encoder: enc, IdleTimeout: 30 * time.Millisecond}
	done := make(chan error, 1)
	go func() { done <- relay.Run(context.Background(), pr) }()

	<-enc.entered
	// Stay blocked past the idle limit so the watchdog closes the body.
	time.Sleep(100 * time.Millisecond)
	close(enc.release)

	err := <-done
	if !errors.Is(err, ErrStreamTimeout) {
		t.Fatalf("expected ErrStreamTimeout, got %v", err)
	}
	var sawTimeout bool
	for _, ev := range enc.events {
		if ev.Kind == types.EventError && ev.ErrType == "stream_timeout" {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Errorf("no timeout error event: %+v", enc.events)
	}
	if countStops(enc.events) != 1 {
		t.Errorf("stop count = %d", countStops(enc.events))
	}
}

func TestRelayCallerDisconnect(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		pw.Write([]byte("event: delta\ndata: {\"t\":\"x\"}\n\n"))
		cancel()
	}()

	enc := &recordEncoder{}
	relay := &Relay{Decoder: &testDecoder{}, Encoder: enc}

	err := relay.Run(ctx, pr)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// No one is listening; no error event is owed.
	for _, ev := range enc.events {
		if ev.Kind == types.EventError {
			t.Errorf("error event after disconnect: %+v", ev)
		}
	}
}
