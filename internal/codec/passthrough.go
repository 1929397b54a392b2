package codec

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// captureExtra collects the top-level fields of body that are not in known.
// Captured fields ride the canonical request/response opaquely and are
// spliced back on encode, so a field the gateway does not understand is
// carried instead of dropped.
func captureExtra(body []byte, known map[string]struct{}) map[string]json.RawMessage {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil
	}
	var extra map[string]json.RawMessage
	parsed.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if _, ok := known[name]; ok {
			return true
		}
		if extra == nil {
			extra = map[string]json.RawMessage{}
		}
		// Raw keeps the caller's original whitespace; compact it so the
		// spliced output is canonical regardless of input formatting.
		raw := []byte(value.Raw)
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			raw = buf.Bytes()
		}
		extra[name] = json.RawMessage(raw)
		return true
	})
	return extra
}

// spliceExtra writes the captured fields back into an encoded body. Fields
// the encoder already produced win over the bag.
func spliceExtra(body []byte, extra map[string]json.RawMessage) ([]byte, error) {
	for key, raw := range extra {
		path := escapePathKey(key)
		if gjson.GetBytes(body, path).Exists() {
			continue
		}
		var err error
		body, err = sjson.SetRawBytes(body, path, raw)
		if err != nil {
			return nil, &EncodeError{Reason: "cannot splice passthrough field " + key + ": " + err.Error()}
		}
	}
	return body, nil
}

// escapePathKey escapes gjson/sjson path metacharacters so a field name like
// "a.b" stays a literal top-level key instead of becoming a nested path.
func escapePathKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// knownKeys builds a lookup set from JSON field names.
func knownKeys(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
