// Package config handles Knotwright configuration loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/knotwright/config.yaml, /etc/knotwright/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "knotwright", "config.yaml"))
	}

	paths = append(paths, "/etc/knotwright/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Knotwright configuration.
type Config struct {
	Ollama     OllamaConfig     `yaml:"ollama"`
	Session    SessionConfig    `yaml:"session"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Listen     ListenConfig     `yaml:"listen"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// OllamaConfig describes the inference server and default sampling options.
type OllamaConfig struct {
	URL         string  `yaml:"url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	NumPredict  int     `yaml:"num_predict"`

	// ShortTimeoutSec bounds connectivity checks (ping, model list).
	// Default 10.
	ShortTimeoutSec int `yaml:"short_timeout_sec"`

	// ChatTimeoutSec bounds a single chat or generate call. Local
	// inference is slow, so this is measured in minutes. Default 300.
	ChatTimeoutSec int `yaml:"chat_timeout_sec"`
}

// ShortTimeout returns ShortTimeoutSec as a duration.
func (c OllamaConfig) ShortTimeout() time.Duration {
	return time.Duration(c.ShortTimeoutSec) * time.Second
}

// ChatTimeout returns ChatTimeoutSec as a duration.
func (c OllamaConfig) ChatTimeout() time.Duration {
	return time.Duration(c.ChatTimeoutSec) * time.Second
}

// SessionConfig controls conversation sessions.
type SessionConfig struct {
	// MaxIterations is the default turn budget for a new session when
	// the caller does not supply one. Default 25.
	MaxIterations int `yaml:"max_iterations"`

	// ManualStep disables auto-continue: every turn after a tool call
	// waits for an explicit continue.
	ManualStep bool `yaml:"manual_step"`
}

// SummarizerConfig controls history compaction.
type SummarizerConfig struct {
	// Threshold is the transcript length (excluding the system message)
	// above which older turns are summarized. Default 30.
	Threshold int `yaml:"threshold"`

	// KeepRecent is how many recent messages survive compaction
	// verbatim. Default 10.
	KeepRecent int `yaml:"keep_recent"`

	// MaxFieldChars truncates each rendered field in the summarization
	// prompt. Default 300.
	MaxFieldChars int `yaml:"max_field_chars"`

	// TimeoutSec bounds the summarization call. Default 120.
	TimeoutSec int `yaml:"timeout_sec"`

	// Model overrides the session model for summarization.
	Model string `yaml:"model"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig configures the optional turn-update publisher.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://broker.lan:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"` // default "knotwright"

	// PublishIntervalSec is how often the stats topic is refreshed.
	// Default 60.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Configured reports whether enough MQTT settings are present to connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. A .env file next to the
// config file, if present, is loaded into the environment first so
// that ${VAR} references can be satisfied without exporting secrets
// in the shell. Variables already set in the environment win.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = "qwen3:4b"
	}
	if c.Ollama.ShortTimeoutSec <= 0 {
		c.Ollama.ShortTimeoutSec = 10
	}
	if c.Ollama.ChatTimeoutSec <= 0 {
		c.Ollama.ChatTimeoutSec = 300
	}
	if c.Session.MaxIterations <= 0 {
		c.Session.MaxIterations = 25
	}
	if c.Summarizer.Threshold <= 0 {
		c.Summarizer.Threshold = 30
	}
	if c.Summarizer.KeepRecent <= 0 {
		c.Summarizer.KeepRecent = 10
	}
	if c.Summarizer.MaxFieldChars <= 0 {
		c.Summarizer.MaxFieldChars = 300
	}
	if c.Summarizer.TimeoutSec <= 0 {
		c.Summarizer.TimeoutSec = 120
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "knotwright"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Validate checks value ranges that defaults cannot fix.
func (c *Config) Validate() error {
	if c.Ollama.Temperature < 0 || c.Ollama.Temperature > 2 {
		return fmt.Errorf("ollama.temperature %.2f out of range [0, 2]", c.Ollama.Temperature)
	}
	if c.Summarizer.KeepRecent >= c.Summarizer.Threshold {
		return fmt.Errorf("summarizer.keep_recent (%d) must be below summarizer.threshold (%d)",
			c.Summarizer.KeepRecent, c.Summarizer.Threshold)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (expected text or json)", c.LogFormat)
	}
	return nil
}
