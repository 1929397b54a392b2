package stream

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestToolBufferFragmentAccumulation(t *testing.T) {
	tb := NewToolBuffer()
	tb.Begin("0", "call_1", "get_weather")
	tb.Append("0", `{"city":`)
	if tb.Complete("0") {
		t.Error("torn fragment reported complete")
	}
	tb.Append("0", `"Paris"}`)
	if !tb.Complete("0") {
		t.Error("valid payload reported incomplete")
	}

	call, ok := tb.Finish("0")
	if !ok {
		t.Fatal("finish failed")
	}
	if call.ID != "call_1" || call.Name != "get_weather" {
		t.Errorf("identity = %+v", call)
	}
	if string(call.Args) != `{"city":"Paris"}` {
		t.Errorf("args = %s", call.Args)
	}
	if tb.Pending() != 0 {
		t.Errorf("pending = %d", tb.Pending())
	}
}

func TestToolBufferInvalidAtTerminal(t *testing.T) {
	tb := NewToolBuffer()
	tb.Begin("0", "call_1", "broken")
	tb.Append("0", `{"never closed`)

	call, ok := tb.Finish("0")
	if !ok {
		t.Fatal("finish failed")
	}
	// Whatever arrived is forwarded as a JSON string, never a torn object.
	var s string
	if err := json.Unmarshal(call.Args, &s); err != nil {
		t.Fatalf("args not a JSON string: %s", call.Args)
	}
	if s != `{"never closed` {
		t.Errorf("payload = %q", s)
	}
}

func TestToolBufferEmptyArgsDefault(t *testing.T) {
	tb := NewToolBuffer()
	tb.Begin("0", "call_1", "no_args")
	call, _ := tb.Finish("0")
	if string(call.Args) != "{}" {
		t.Errorf("args = %s", call.Args)
	}
}

func TestToolBufferSetArgsWins(t *testing.T) {
	tb := NewToolBuffer()
	tb.Begin("0", "call_1", "tool")
	tb.Append("0", `{"partial`)
	tb.SetArgs("0", json.RawMessage(`{"final":true}`))
	call, _ := tb.Finish("0")
	if string(call.Args) != `{"final":true}` {
		t.Errorf("explicit args lost: %s", call.Args)
	}
}

func TestToolBufferFinishAllOrder(t *testing.T) {
	tb := NewToolBuffer()
	tb.Begin("b", "call_b", "second")
	tb.Begin("a", "call_a", "third")
	tb.Append("b", `{}`)
	tb.Append("a", `{}`)

	calls := tb.FinishAll()
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	// Arrival order, not key order.
	if calls[0].ID != "call_b" || calls[1].ID != "call_a" {
		t.Errorf("order = %s, %s", calls[0].ID, calls[1].ID)
	}
}

func TestToolBufferSizeBound(t *testing.T) {
	tb := NewToolBuffer()
	tb.Begin("0", "call_1", "big")
	tb.Append("0", strings.Repeat("a", MaxToolArgBufSize))
	// Over the bound: dropped, not grown.
	tb.Append("0", "overflow")
	call, _ := tb.Finish("0")
	var s string
	if err := json.Unmarshal(call.Args, &s); err != nil {
		t.Fatalf("args not a JSON string: %.40s", call.Args)
	}
	if strings.Contains(s, "overflow") {
		t.Error("fragment past the bound was kept")
	}
}

func TestToolBufferLateBegin(t *testing.T) {
	tb := NewToolBuffer()
	// Fragments may arrive before the call is formally opened.
	tb.Append("0", `{"x":1}`)
	tb.Begin("0", "call_1", "late")
	call, ok := tb.Finish("0")
	if !ok || call.Name != "late" || string(call.Args) != `{"x":1}` {
		t.Errorf("call = %+v", call)
	}
}
