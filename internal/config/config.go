// Package config provides configuration for the agent chat client and gateway.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/xiaot623/agentchat/internal/agent"
)

// Config holds the agentchat configuration.
type Config struct {
	// Agent settings
	ApplicationID string `env:"ALGOLIA_APPLICATION_ID" envDefault:"SRC8UTYBUO"`
	APIKey        string `env:"ALGOLIA_API_KEY" envDefault:"a5eed7751bad8e4535ace1f3b08f52c5"`
	AgentID       string `env:"ALGOLIA_AGENT_ID" envDefault:"1feae05a-7e87-4508-88c8-2d7da88e30de"`
	AgentBaseURL  string `env:"ALGOLIA_AGENT_BASE_URL"`
	Mode          string `env:"AGENTCHAT_MODE"`

	// Gateway settings
	HTTPPort       int           `env:"HTTP_PORT" envDefault:"8090"`
	GatewayKey     string        `env:"API_KEY"` // Static key for hello.api_key validation
	PingInterval   time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	WriteTimeout   time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	ReadTimeout    time.Duration `env:"WS_READ_TIMEOUT" envDefault:"60s"`
	MaxMessageSize int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// dotenvFiles are loaded before the environment is parsed. Variables that
// are already set win over file contents.
var dotenvFiles = []string{".env", "../.env"}

// Load loads .env files, if present, then parses the process environment.
func Load() (*Config, error) {
	for _, f := range dotenvFiles {
		_ = godotenv.Load(f)
	}
	return parse(env.Options{})
}

// LoadFromMap parses configuration from vars instead of the process
// environment.
func LoadFromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// Agent returns the settings of the upstream agent client.
func (c *Config) Agent() agent.Config {
	return agent.Config{
		ApplicationID: c.ApplicationID,
		APIKey:        c.APIKey,
		AgentID:       c.AgentID,
		BaseURL:       c.AgentBaseURL,
	}
}
