// Package config provides configuration loading and management for Commander.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Commander configuration.
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	LLM       LLMConfig       `yaml:"llm"`
	Call      CallConfig      `yaml:"call"`
	Commander CommanderConfig `yaml:"commander"`
	HTTP      HTTPConfig      `yaml:"http"`
	Scripts   ScriptsConfig   `yaml:"scripts"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded JetStream server.
	Embedded bool `yaml:"embedded"`
}

// LLMEndpoint describes one model endpoint in the fallback chain.
type LLMEndpoint struct {
	// Provider is the registered provider name ("openai", "anthropic", "ollama").
	Provider string `yaml:"provider"`
	// BaseURL is the API base URL (empty = provider default).
	BaseURL string `yaml:"base_url"`
	// Model is the model identifier to request.
	Model string `yaml:"model"`
}

// LLMConfig configures the LLM completion service.
type LLMConfig struct {
	// Endpoints is the ordered fallback chain. The first entry is primary.
	Endpoints []LLMEndpoint `yaml:"endpoints"`
	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
	// MaxTokens limits response length (0 = endpoint default).
	MaxTokens int `yaml:"max_tokens"`
	// TurnTimeout bounds a single call-turn LLM invocation. On expiry the
	// turn processor falls back to the scripted response for the node.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	// AnalysisTimeout bounds the Commander's cross-call analysis invocation.
	AnalysisTimeout time.Duration `yaml:"analysis_timeout"`
}

// CallConfig configures per-call negotiation behavior.
type CallConfig struct {
	// MaxNegotiationAttempts caps price-negotiation rounds per call.
	MaxNegotiationAttempts int `yaml:"max_negotiation_attempts"`
	// MaxBotScreeningAttempts caps IVR/bot screening exchanges per call.
	MaxBotScreeningAttempts int `yaml:"max_bot_screening_attempts"`
	// MaxClarificationAttempts caps clarification loops per part.
	MaxClarificationAttempts int `yaml:"max_clarification_attempts"`
	// StateTTL is the retention window for call state after last write.
	StateTTL time.Duration `yaml:"state_ttl"`
}

// CommanderConfig configures the per-request coordinator.
type CommanderConfig struct {
	// StateTTL is the retention window for commander state after last write.
	StateTTL time.Duration `yaml:"state_ttl"`
	// DirectiveTTL bounds how long a staged directive waits for consumption.
	DirectiveTTL time.Duration `yaml:"directive_ttl"`
	// InitRetryDelay is the fixed wait before the single reconstruction
	// retry when no active calls are discoverable yet.
	InitRetryDelay time.Duration `yaml:"init_retry_delay"`
}

// HTTPConfig configures the webhook/health HTTP server.
type HTTPConfig struct {
	// Addr is the listen address for the webhook server.
	Addr string `yaml:"addr"`
}

// ScriptsConfig configures the scripted-fallback lines.
type ScriptsConfig struct {
	// Path is an optional YAML file overriding built-in fallback lines.
	// When set, the file is watched and hot-reloaded on change.
	Path string `yaml:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		LLM: LLMConfig{
			Endpoints: []LLMEndpoint{
				{Provider: "openai", Model: "gpt-4o-mini"},
			},
			Temperature:     0.2,
			TurnTimeout:     8 * time.Second,
			AnalysisTimeout: 15 * time.Second,
		},
		Call: CallConfig{
			MaxNegotiationAttempts:   3,
			MaxBotScreeningAttempts:  3,
			MaxClarificationAttempts: 2,
			StateTTL:                 4 * time.Hour,
		},
		Commander: CommanderConfig{
			StateTTL:       24 * time.Hour,
			DirectiveTTL:   30 * time.Minute,
			InitRetryDelay: 500 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return &config, nil
}

// Merge overlays non-zero values from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = other.NATS.Embedded
	}
	if len(other.LLM.Endpoints) > 0 {
		c.LLM.Endpoints = other.LLM.Endpoints
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = other.LLM.MaxTokens
	}
	if other.LLM.TurnTimeout != 0 {
		c.LLM.TurnTimeout = other.LLM.TurnTimeout
	}
	if other.LLM.AnalysisTimeout != 0 {
		c.LLM.AnalysisTimeout = other.LLM.AnalysisTimeout
	}
	if other.Call.MaxNegotiationAttempts != 0 {
		c.Call.MaxNegotiationAttempts = other.Call.MaxNegotiationAttempts
	}
	if other.Call.MaxBotScreeningAttempts != 0 {
		c.Call.MaxBotScreeningAttempts = other.Call.MaxBotScreeningAttempts
	}
	if other.Call.MaxClarificationAttempts != 0 {
		c.Call.MaxClarificationAttempts = other.Call.MaxClarificationAttempts
	}
	if other.Call.StateTTL != 0 {
		c.Call.StateTTL = other.Call.StateTTL
	}
	if other.Commander.StateTTL != 0 {
		c.Commander.StateTTL = other.Commander.StateTTL
	}
	if other.Commander.DirectiveTTL != 0 {
		c.Commander.DirectiveTTL = other.Commander.DirectiveTTL
	}
	if other.Commander.InitRetryDelay != 0 {
		c.Commander.InitRetryDelay = other.Commander.InitRetryDelay
	}
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.Scripts.Path != "" {
		c.Scripts.Path = other.Scripts.Path
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if len(c.LLM.Endpoints) == 0 {
		return fmt.Errorf("llm.endpoints: at least one endpoint is required")
	}
	for i, ep := range c.LLM.Endpoints {
		if ep.Provider == "" {
			return fmt.Errorf("llm.endpoints[%d].provider is required", i)
		}
		if ep.Model == "" {
			return fmt.Errorf("llm.endpoints[%d].model is required", i)
		}
	}
	if c.LLM.TurnTimeout <= 0 {
		return fmt.Errorf("llm.turn_timeout must be positive")
	}
	if c.LLM.AnalysisTimeout <= 0 {
		return fmt.Errorf("llm.analysis_timeout must be positive")
	}
	if c.Call.MaxNegotiationAttempts <= 0 {
		return fmt.Errorf("call.max_negotiation_attempts must be positive")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}
