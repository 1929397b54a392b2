package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Event represents a single SSE event read from an upstream.
type Event struct {
	// Type is the event name from the "event:" field when present, otherwise
	// the "type" field of the JSON payload (OpenAI-style streams omit the
	// event field and discriminate inside the data).
	Type string
	Raw  json.RawMessage
	Data map[string]any
}

// Reader reads SSE events from an io.Reader one event at a time.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a new SSE reader with a bounded line buffer.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next SSE event. Returns nil, io.EOF when the stream ends,
// including on an explicit [DONE] marker. Comment and retry fields are
// skipped; data lines that are not valid JSON objects are delivered with a
// nil Data map so passthrough consumers still see the raw bytes.
func (r *Reader) Next() (*Event, error) {
	eventName := ""
	var data []string

	flush := func() (*Event, error) {
		payload := strings.Join(data, "\n")
		if payload == "[DONE]" {
			return nil, io.EOF
		}
		ev := &Event{Type: eventName, Raw: json.RawMessage(payload)}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(payload), &parsed); err == nil {
			ev.Data = parsed
			if ev.Type == "" {
				ev.Type, _ = parsed["type"].(string)
			}
		}
		return ev, nil
	}

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if len(data) > 0 {
				return flush()
			}
			eventName = ""
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		}
		// "id:", "retry:" and ":" comment lines are ignored.
	}
	if len(data) > 0 {
		return flush()
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
