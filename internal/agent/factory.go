package agent

import "github.com/rs/zerolog/log"

// ModeMock selects the mock streamer.
const ModeMock = "MOCK"

// NewStreamer creates a Streamer for the given mode. ModeMock returns a
// MockClient; anything else returns a real Client for cfg.
func NewStreamer(cfg Config, mode string) Streamer {
	if mode == ModeMock {
		log.Info().Str("component", "agent").Msg("mock mode enabled, using mock agent client")
		return NewMockClient()
	}
	return NewClient(cfg)
}
