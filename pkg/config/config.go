package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up by LoadDefault.
const FileName = ".pedrochat.yaml"

// Environment variables that override file values.
const (
	EnvServerURL   = "PEDROCHAT_SERVER_URL"
	EnvAPIKey      = "PEDROCHAT_API_KEY"
	EnvDatabaseURL = "DATABASE_URL"
)

// Config represents the pedrochat configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Chat    ChatConfig    `yaml:"chat"`
	History HistoryConfig `yaml:"history"`
	HTTP    HTTPConfig    `yaml:"http"`
	Debug   DebugConfig   `yaml:"debug"`
}

// ServerConfig describes the llama.cpp server
type ServerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key,omitempty"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	ModelsDir    string        `yaml:"models_dir"`
	// ModelPath is the model used when a command does not name one.
	ModelPath string `yaml:"model_path"`
}

// ChatConfig contains generation defaults
type ChatConfig struct {
	SystemPrompt       string   `yaml:"system_prompt"`
	Temperature        *float64 `yaml:"temperature"` // 0 samples greedily
	TopP               float64  `yaml:"top_p"`
	TopK               int      `yaml:"top_k"`
	MaxTokens          int      `yaml:"max_tokens"`
	FollowUpAfterTools bool     `yaml:"follow_up_after_tools"`
	MaxToolsPerTurn    int      `yaml:"max_tools_per_turn"`
	Tools              []string `yaml:"tools,omitempty"`
}

// HistoryConfig selects the conversation store
type HistoryConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres" or "memory"
	DSN    string `yaml:"dsn"`
}

// HTTPConfig contains serve settings
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DebugConfig contains debug settings
type DebugConfig struct {
	Enabled  bool   `yaml:"enabled"`
	LogLevel string `yaml:"log_level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var config Config
	config.applyEnv()
	config.setDefaults()
	return &config
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadDefault loads .pedrochat.yaml from the current directory or home,
// falling back to the built-in defaults when neither exists.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat(FileName); err == nil {
		return Load(FileName)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		homePath := filepath.Join(home, FileName)
		if _, err := os.Stat(homePath); err == nil {
			return Load(homePath)
		}
	}

	config := Default()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.History.Driver = "postgres"
		c.History.DSN = v
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	// Server defaults
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8080"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 20 * time.Minute
	}
	if c.Server.MaxRetries == 0 {
		c.Server.MaxRetries = 3
	}
	if c.Server.ReadyTimeout == 0 {
		c.Server.ReadyTimeout = 60 * time.Second
	}
	if c.Server.ModelsDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Server.ModelsDir = filepath.Join(home, ".pedrochat", "models")
		}
	}

	// Chat defaults
	if c.Chat.SystemPrompt == "" {
		c.Chat.SystemPrompt = "You are a helpful AI assistant."
	}
	if c.Chat.Temperature == nil {
		temperature := 0.5
		c.Chat.Temperature = &temperature
	}
	if c.Chat.TopP == 0 {
		c.Chat.TopP = 0.3
	}
	if c.Chat.TopK == 0 {
		c.Chat.TopK = 20
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = 512
	}
	if c.Chat.MaxToolsPerTurn == 0 {
		c.Chat.MaxToolsPerTurn = 4
	}

	// History defaults
	if c.History.Driver == "" {
		c.History.Driver = "sqlite"
	}
	if c.History.Driver == "sqlite" && c.History.DSN == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.History.DSN = filepath.Join(home, ".pedrochat", "history.db")
		} else {
			c.History.DSN = "pedrochat.db"
		}
	}

	// HTTP defaults
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8765"
	}

	// Debug defaults
	if c.Debug.LogLevel == "" {
		c.Debug.LogLevel = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid server base_url: %q (must be an http or https URL)", c.Server.BaseURL)
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("server timeout must not be negative: %s", c.Server.Timeout)
	}

	if t := c.Chat.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("temperature out of range: %v (must be between 0 and 2)", *t)
	}
	if c.Chat.TopP < 0 || c.Chat.TopP > 1 {
		return fmt.Errorf("top_p out of range: %v (must be between 0 and 1)", c.Chat.TopP)
	}
	if c.Chat.TopK < 0 {
		return fmt.Errorf("top_k must not be negative: %d", c.Chat.TopK)
	}
	if c.Chat.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive: %d", c.Chat.MaxTokens)
	}
	if c.Chat.MaxToolsPerTurn < 1 || c.Chat.MaxToolsPerTurn > 4 {
		return fmt.Errorf("max_tools_per_turn out of range: %d (must be between 1 and 4)", c.Chat.MaxToolsPerTurn)
	}

	switch c.History.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.History.DSN == "" {
			return errors.New("history dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid history driver: %s (must be 'sqlite', 'postgres' or 'memory')", c.History.Driver)
	}

	return nil
}
