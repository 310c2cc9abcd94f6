package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the askem configuration
type Config struct {
	// HMI data service
	HMI HMIConfig `json:"hmi" mapstructure:"hmi"`

	// Jupyter server
	Jupyter JupyterConfig `json:"jupyter" mapstructure:"jupyter"`

	// AI providers
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Agent loop settings shared by every context
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Template overrides
	Templates TemplatesConfig `json:"templates" mapstructure:"templates"`

	// Few-shot example store
	Examples ExamplesConfig `json:"examples" mapstructure:"examples"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// EnableUserPrompt allows contexts to ask the user questions mid-query.
	EnableUserPrompt bool `json:"enable_user_prompt" mapstructure:"enable_user_prompt"`
}

// HMIConfig holds the HMI client settings
type HMIConfig struct {
	URL            string `json:"url" mapstructure:"url"`
	Username       string `json:"username" mapstructure:"username"`
	Password       string `json:"password" mapstructure:"password"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Timeout returns the request timeout.
func (c HMIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// JupyterConfig holds the notebook server settings
type JupyterConfig struct {
	URL                   string `json:"url" mapstructure:"url"`
	Token                 string `json:"token" mapstructure:"token"`
	DefaultKernel         string `json:"default_kernel" mapstructure:"default_kernel"`
	ExecuteTimeoutSeconds int    `json:"execute_timeout_seconds" mapstructure:"execute_timeout_seconds"`
}

// ExecuteTimeout returns the per-execution timeout. Zero means none.
func (c JupyterConfig) ExecuteTimeout() time.Duration {
	return time.Duration(c.ExecuteTimeoutSeconds) * time.Second
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// AgentConfig configures the ReAct loop of every context
type AgentConfig struct {
	Model       string  `json:"model" mapstructure:"model"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxErrors   int     `json:"max_errors" mapstructure:"max_errors"`
	MaxTurns    int     `json:"max_turns" mapstructure:"max_turns"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// TemplatesConfig points at a directory of procedure overrides
type TemplatesConfig struct {
	OverrideDir string `json:"override_dir" mapstructure:"override_dir"`
	Watch       bool   `json:"watch" mapstructure:"watch"`
}

// ExamplesConfig holds the few-shot store location
type ExamplesConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// TracingConfig enables OpenTelemetry spans
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		HMI: HMIConfig{
			TimeoutSeconds: 10,
		},
		Jupyter: JupyterConfig{
			URL:                   "http://localhost:8888",
			DefaultKernel:         "python3",
			ExecuteTimeoutSeconds: 300,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Agent: AgentConfig{
			Model:       "claude-sonnet-4",
			Temperature: 0.2,
			MaxTokens:   4096,
			MaxErrors:   5,
			MaxTurns:    10,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Tracing: TracingConfig{
			ServiceName: "askem",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if err := v.ValidateProvider(profile.Provider); err != nil {
			return fmt.Errorf("AI profile %s: %w", profile.ID, err)
		}
	}

	if c.HMI.URL == "" {
		return fmt.Errorf("hmi url is required")
	}
	if err := v.ValidateURL(c.HMI.URL); err != nil {
		return fmt.Errorf("hmi url: %w", err)
	}
	if c.HMI.TimeoutSeconds < 0 {
		return fmt.Errorf("hmi timeout_seconds must not be negative")
	}

	if err := v.ValidateURL(c.Jupyter.URL); err != nil {
		return fmt.Errorf("jupyter url: %w", err)
	}
	if err := v.ValidateKernelName(c.Jupyter.DefaultKernel); err != nil {
		return fmt.Errorf("jupyter default_kernel: %w", err)
	}
	if c.Jupyter.ExecuteTimeoutSeconds < 0 {
		return fmt.Errorf("jupyter execute_timeout_seconds must not be negative")
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("agent model is required")
	}
	if err := v.ValidateTemperature(c.Agent.Temperature); err != nil {
		return fmt.Errorf("agent temperature: %w", err)
	}
	if c.Agent.MaxErrors < 0 || c.Agent.MaxTurns < 0 || c.Agent.MaxTokens < 0 {
		return fmt.Errorf("agent limits must not be negative")
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging level: %w", err)
	}
	if err := v.ValidatePort(c.Gateway.Port); err != nil {
		return fmt.Errorf("gateway port: %w", err)
	}
	if c.Templates.Watch && c.Templates.OverrideDir == "" {
		return fmt.Errorf("templates watch requires override_dir")
	}

	return nil
}
