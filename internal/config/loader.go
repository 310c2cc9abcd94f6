package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFiles   []string
	getenv     func(string) string
}

// NewLoader creates a new config loader
func NewLoader(configPath string, envFiles ...string) *Loader {
	return &Loader{
		configPath: configPath,
		envFiles:   envFiles,
		getenv:     os.Getenv,
	}
}

// Load loads .env files, the config file and the legacy environment
// variables, in that order of increasing precedence.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("ASKEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	l.applyEnv(cfg)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".askem")
	}
	if cfg.Examples.DBPath == "" {
		cfg.Examples.DBPath = filepath.Join(cfg.DataDir, "examples.db")
	}

	return cfg, nil
}

// loadEnvFiles loads the given .env files, or ./.env when none were given.
// Variables already set are kept.
func (l *Loader) loadEnvFiles() error {
	files := l.envFiles
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// applyEnv overlays the environment variables notebook deployments already
// set.
func (l *Loader) applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if val := l.getenv(key); val != "" {
			*dst = val
		}
	}
	set(&cfg.HMI.URL, "HMI_SERVER_URL")
	set(&cfg.HMI.Username, "AUTH_USERNAME")
	set(&cfg.HMI.Password, "AUTH_PASSWORD")
	set(&cfg.Jupyter.URL, "JUPYTER_SERVER_URL")
	set(&cfg.Jupyter.Token, "JUPYTER_TOKEN")

	if val := l.getenv("ENABLE_USER_PROMPT"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.EnableUserPrompt = b
		}
	}

	l.addProfile(cfg, "anthropic", "ANTHROPIC_API_KEY")
	l.addProfile(cfg, "openai", "OPENAI_API_KEY")
}

// addProfile adds an env-provided key as a profile unless the provider is
// already configured. Env profiles come after file profiles.
func (l *Loader) addProfile(cfg *Config, provider, key string) {
	apiKey := l.getenv(key)
	if apiKey == "" {
		return
	}
	for _, p := range cfg.AI.Profiles {
		if p.Provider == provider {
			return
		}
	}
	priority := 0
	for _, p := range cfg.AI.Profiles {
		if p.Priority >= priority {
			priority = p.Priority + 1
		}
	}
	cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
		ID:       provider + "-env",
		Provider: provider,
		APIKey:   apiKey,
		Priority: priority,
	})
	sort.SliceStable(cfg.AI.Profiles, func(i, j int) bool {
		return cfg.AI.Profiles[i].Priority < cfg.AI.Profiles[j].Priority
	})
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("hmi", cfg.HMI)
	v.Set("jupyter", cfg.Jupyter)
	v.Set("ai", cfg.AI)
	v.Set("agent", cfg.Agent)
	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("templates", cfg.Templates)
	v.Set("examples", cfg.Examples)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)
	v.Set("enable_user_prompt", cfg.EnableUserPrompt)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".askem", "askem.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string, envFiles ...string) (*Config, error) {
	return NewLoader(configPath, envFiles...).Load()
}
