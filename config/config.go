// Package config loads runtime configuration from YAML with environment
// variable overrides for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxflow/voxflow/agent"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// BaseURL is the public URL prefix used when building audio response
	// links (e.g. "http://localhost:8080").
	BaseURL string `yaml:"base_url"`

	// AudioDir is where response audio files and uploads are stored.
	AudioDir string `yaml:"audio_dir"`
}

// RedisConfig configures the state store and broadcast backend. An empty
// Addr selects the in-memory store with the WebSocket hub, for development.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ProvidersConfig holds credentials for speech and language providers.
type ProvidersConfig struct {
	OpenAIKey     string `yaml:"openai_api_key"`
	ElevenLabsKey string `yaml:"elevenlabs_api_key"`

	// LLMModel overrides the default conversation model.
	LLMModel string `yaml:"llm_model"`

	// TTSRateLimit caps synthesis requests per second. Zero keeps the
	// provider default.
	TTSRateLimit float64 `yaml:"tts_rate_limit"`
}

// SessionsConfig tunes session lifecycle timing.
type SessionsConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// JobsConfig tunes the background job runner.
type JobsConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AgentConfig declares one agent profile in the config file.
type AgentConfig struct {
	ID                 string  `yaml:"id"`
	Name               string  `yaml:"name"`
	SystemPrompt       string  `yaml:"system_prompt"`
	GreetingMessage    string  `yaml:"greeting_message"`
	VoiceID            string  `yaml:"voice_id"`
	Language           string  `yaml:"language"`
	InterruptThreshold float64 `yaml:"interrupt_threshold"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			BaseURL:  "http://localhost:8080",
			AudioDir: "./data/audio",
		},
		Redis: RedisConfig{
			Prefix: "voxflow",
		},
		Sessions: SessionsConfig{
			TTL:         time.Hour,
			GracePeriod: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			Concurrency: 8,
			Timeout:     120 * time.Second,
			MaxAttempts: 3,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads configuration from path, applies defaults for anything unset,
// and overlays credential environment variables. An empty path returns
// defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Credentials belong in the
// environment, not the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAIKey = v
	}
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" {
		c.Providers.ElevenLabsKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("VOXFLOW_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Providers.OpenAIKey == "" {
		return fmt.Errorf("providers.openai_api_key (or OPENAI_API_KEY) is required")
	}
	if c.Providers.ElevenLabsKey == "" {
		return fmt.Errorf("providers.elevenlabs_api_key (or ELEVENLABS_API_KEY) is required")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be positive")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts must be positive")
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive")
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.SystemPrompt == "" {
			return fmt.Errorf("agent %q has no system_prompt", a.ID)
		}
	}
	return nil
}

// AgentDirectory builds an in-memory agent directory from the configured
// agents.
func (c *Config) AgentDirectory() *agent.MemoryDirectory {
	agents := make([]*agent.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		agents = append(agents, &agent.Agent{
			ID:                 a.ID,
			Name:               a.Name,
			SystemPrompt:       a.SystemPrompt,
			GreetingMessage:    a.GreetingMessage,
			VoiceID:            a.VoiceID,
			Language:           a.Language,
			InterruptThreshold: a.InterruptThreshold,
		})
	}
	return agent.NewMemoryDirectory(agents...)
}
