// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/skiffcloud/skiff/pkg/telemetry"
)

// ProviderConfig selects the cloud account the orchestrator works against.
type ProviderConfig struct {
	// Driver names the provider implementation. "fake" is the in-memory
	// driver used for development and tests.
	Driver          string `yaml:"driver" validate:"required,oneof=fake"`
	Region          string `yaml:"region" validate:"required"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	Profile         string `yaml:"profile,omitempty"`
}

// ListenerConfig sizes the command worker pool.
type ListenerConfig struct {
	Workers int `yaml:"workers" validate:"min=1,max=64"`
}

// RetryConfig controls in-step retries of transient provider failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1,max=10"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// WatcherConfig controls the blueprint directory watcher.
type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Config is the full application configuration.
type Config struct {
	// DataDir holds blueprints, the resource registry, generated keys,
	// and the scan cache.
	DataDir string `yaml:"data_dir" validate:"required"`

	Provider  ProviderConfig   `yaml:"provider"`
	Listener  ListenerConfig   `yaml:"listener"`
	Retry     RetryConfig      `yaml:"retry"`
	Watcher   WatcherConfig    `yaml:"watcher"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Provider: ProviderConfig{
			Driver: "fake",
			Region: "eu-west-1",
		},
		Listener: ListenerConfig{Workers: 4},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 2 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.skiff"
	}
	return ".skiff"
}

// Load reads a YAML config file over the defaults and validates the result.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("invalid config: retry.base_delay must be positive")
	}
	return nil
}
