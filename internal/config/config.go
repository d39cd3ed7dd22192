package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration, loaded from YAML.
type Config struct {
	Listen    string          `yaml:"listen"`
	Backend   BackendConfig   `yaml:"backend"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

// BackendConfig points at the chat backend that produces the response stream.
type BackendConfig struct {
	ChatURL        string   `yaml:"chat_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// Duration decodes YAML duration strings like "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RetrievalConfig holds default retrieval parameters applied to every turn
// unless the request overrides them.
type RetrievalConfig struct {
	Limit          int      `yaml:"limit"`
	ScoreThreshold float64  `yaml:"score_threshold"`
	DataSources    []string `yaml:"data_sources"`
	DocumentTypes  []string `yaml:"document_types"`
	Owners         []string `yaml:"owners"`
}

// DefaultPath returns the default config path (~/.ragrelay/config.yaml)
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".ragrelay", "config.yaml")
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = defaults().Listen
	}
	if cfg.Backend.ChatURL == "" {
		return nil, fmt.Errorf("backend.chat_url is required")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen: "127.0.0.1:8080",
		Backend: BackendConfig{
			ChatURL: "http://127.0.0.1:8000/chat",
		},
	}
}
