package agent

import (
	"context"
	"fmt"
	"time"
)

// MockClient is a Streamer that answers locally without network access.
type MockClient struct {
	// ChunkSize is the number of runes per delta.
	ChunkSize int
	// Delay is slept between deltas.
	Delay time.Duration
}

// NewMockClient creates a new mock streamer.
func NewMockClient() *MockClient {
	return &MockClient{ChunkSize: 10}
}

// Ensure MockClient implements Streamer interface.
var _ Streamer = (*MockClient)(nil)

// Stream emits a canned reply echoing text in rune-sized chunks.
func (m *MockClient) Stream(ctx context.Context, text string, onDelta DeltaHandler) error {
	for _, chunk := range splitIntoChunks(mockReply(text), m.ChunkSize) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := onDelta(chunk); err != nil {
			return err
		}
		if m.Delay > 0 {
			time.Sleep(m.Delay)
		}
	}
	return nil
}

func mockReply(text string) string {
	if text == "" {
		return "[MOCK] This is a mock response from the agent."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(text, 100))
}

// splitIntoChunks splits s into chunks of at most size runes.
func splitIntoChunks(s string, size int) []string {
	if size <= 0 {
		size = 10
	}
	runes := []rune(s)
	var chunks []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// truncate truncates s to maxLen runes.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
