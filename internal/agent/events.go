package agent

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DataPrefix marks the stream lines that carry a JSON payload.
const DataPrefix = "data: "

// TypeTextDelta is the payload type of an incremental text fragment.
const TypeTextDelta = "text-delta"

// EventKind discriminates the payloads found on a stream line.
type EventKind int

const (
	// EventUnknown covers malformed JSON, comments, heartbeats and every
	// payload shape this client does not act on. It is always ignorable.
	EventUnknown EventKind = iota
	EventTextDelta
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text-delta"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded stream payload. Only the field matching Kind is set.
type Event struct {
	Kind  EventKind
	Delta string
	Error string
}

// ParseLine decodes a single stream line. Lines without DataPrefix are
// EventUnknown.
func ParseLine(line string) Event {
	if !strings.HasPrefix(line, DataPrefix) {
		return Event{Kind: EventUnknown}
	}
	return ParseEvent([]byte(strings.TrimSpace(line[len(DataPrefix):])))
}

// ParseEvent decodes the JSON payload of a data line.
//
// A truthy "error" field wins over a delta in the same payload. A delta is
// only recognised when "type" is "text-delta" and "delta" is a JSON string.
func ParseEvent(payload []byte) Event {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return Event{Kind: EventUnknown}
	}

	if msg, ok := errorText(fields["error"]); ok {
		return Event{Kind: EventError, Error: msg}
	}

	typ, ok := stringValue(fields["type"])
	if !ok || typ != TypeTextDelta {
		return Event{Kind: EventUnknown}
	}
	delta, ok := stringValue(fields["delta"])
	if !ok {
		return Event{Kind: EventUnknown}
	}
	return Event{Kind: EventTextDelta, Delta: delta}
}

// stringValue returns raw as a Go string when it holds a JSON string.
func stringValue(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// errorText reports whether raw is a truthy error value and returns its
// text form. Falsy values are null, false, 0 and the empty string.
// Objects and arrays are rendered as compact JSON.
func errorText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}

	switch raw[0] {
	case 'n', 'f':
		return "", false
	case 't':
		return "true", true
	case '"':
		s, ok := stringValue(raw)
		if !ok || s == "" {
			return "", false
		}
		return s, true
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return string(raw), true
		}
		return buf.String(), true
	default:
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return string(raw), true
		}
		if f == 0 {
			return "", false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
}

// valueText renders a non-null JSON value as text. Strings are unquoted.
func valueText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if s, ok := stringValue(raw); ok {
		return s, true
	}
	return string(raw), true
}
