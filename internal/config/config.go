// Package config loads the notesync YAML configuration with environment
// variable expansion.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config is the static application configuration. Runtime state that the
// sync engine mutates (tokens, checkpoint) lives in the settings file
// instead, see the settings package.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Service  ServiceConfig     `yaml:"service"`
	Realtime RealtimeConfig    `yaml:"realtime"`
	Sync     SyncConfig        `yaml:"sync"`
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel     slog.Level `yaml:"log_level"`
	StatusPort   int        `yaml:"status_port"`
	SettingsFile string     `yaml:"settings_file"`
	// VaultPath is the root of the local document store.
	VaultPath string `yaml:"vault_path"`
}

// ServiceConfig holds the remote notebook service endpoint.
type ServiceConfig struct {
	BaseURL string `yaml:"base_url"`
	// StorageBaseURL serves public note images. Defaults to BaseURL.
	StorageBaseURL string   `yaml:"storage_base_url"`
	Timeout        Duration `yaml:"timeout"`
	// DownloadsPerSecond throttles raw asset fetches. Zero disables the
	// limiter.
	DownloadsPerSecond float64 `yaml:"downloads_per_second"`
}

// RealtimeConfig holds the change-feed transport endpoint.
type RealtimeConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// SyncConfig tunes the reconciliation download pipeline.
type SyncConfig struct {
	Concurrency    int      `yaml:"concurrency"`
	RetryAttempts  int      `yaml:"retry_attempts"`
	RetryWait      Duration `yaml:"retry_wait"`
	HealthInterval Duration `yaml:"health_interval"`
}

// Duration accepts Go duration syntax ("500ms", "30m") or raw
// nanoseconds in YAML.
type Duration time.Duration

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var nanos int64
	if err := node.Decode(&nanos); err != nil {
		return err
	}
	*d = Duration(nanos)
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Service.Validate(); err != nil {
		return err
	}
	if err := c.Realtime.Validate(); err != nil {
		return err
	}
	return c.Sync.Validate()
}

func (c *ApplicationConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.StatusPort, validation.Min(0), validation.Max(65535)),
		validation.Field(&c.SettingsFile, validation.Required),
		validation.Field(&c.VaultPath, validation.Required),
	)
}

func (c *ServiceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.DownloadsPerSecond, validation.Min(0.0)),
	)
}

func (c *RealtimeConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required),
		validation.Field(&c.APIKey, validation.Required),
	)
}

func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Concurrency, validation.Min(1), validation.Max(64)),
		validation.Field(&c.RetryAttempts, validation.Min(1), validation.Max(10)),
	)
}

// StatusAddress returns the status server listen address, or "" when the
// status surface is disabled.
func (c *ApplicationConfig) StatusAddress() string {
	if c.StatusPort == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.StatusPort)
}

// NewDefault returns a Config with sensible default values.
func NewDefault() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel:     slog.LevelInfo,
			StatusPort:   0,
			SettingsFile: "notesync-settings.json",
			VaultPath:    ".",
		},
		Service: ServiceConfig{
			BaseURL:            "https://photonotes.io",
			Timeout:            Duration(15 * time.Second),
			DownloadsPerSecond: 8,
		},
		Realtime: RealtimeConfig{
			URL: "wss://realtime.photonotes.io/realtime/v1/websocket",
		},
		Sync: SyncConfig{
			Concurrency:    5,
			RetryAttempts:  3,
			RetryWait:      Duration(500 * time.Millisecond),
			HealthInterval: Duration(30 * time.Minute),
		},
	}
}

// Load reads the YAML file at filename into target with environment
// variable expansion and validates the result. A missing file leaves the
// defaults untouched.
func Load(filename string, target *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return target.Validate()
		}
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	if err := target.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
