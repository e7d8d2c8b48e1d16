package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// HTMLResponseMessage replaces an error body that is an HTML page rather
// than JSON, typically served by a proxy or CDN in front of the agent.
const HTMLResponseMessage = "agent returned an HTML page instead of JSON (possibly blocked by a proxy or CDN)"

// RequestError is returned when the agent answers with a non-success status.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return e.Message
}

// StreamError is an error object embedded in the stream by the agent.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// ExtractErrorMessage turns a non-success response body into a
// human-readable message. A JSON object yields its "message" field, else
// its "detail" field. Markup yields HTMLResponseMessage. Anything else is
// returned verbatim.
func ExtractErrorMessage(body []byte) string {
	text := string(body)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		if strings.HasPrefix(text, "<!") {
			return HTMLResponseMessage
		}
		return text
	}

	for _, key := range []string{"message", "detail"} {
		if msg, ok := valueText(fields[key]); ok {
			return msg
		}
	}
	return text
}

func describeStatus(code int, msg string) string {
	return fmt.Sprintf("agent request failed [%d]: %s", code, msg)
}
