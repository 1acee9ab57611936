// Package config loads and writes relaysync configuration.
//
// Configuration lives in a YAML file (default .relaysync/config.yaml)
// and may be overridden through RELAYSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/relaysync/relaysync/internal/store"
)

// DefaultConfigPath is the config file location relative to the data
// directory.
const DefaultConfigPath = ".relaysync/config.yaml"

// Config is the full application configuration.
type Config struct {
	// DataDir holds the local database and logs.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// RelayURL is the base URL of the relay server.
	RelayURL string `mapstructure:"relay_url" yaml:"relay_url"`

	// EncryptionKey is the hex-encoded 32-byte key sealing operation
	// payloads. Empty disables encryption.
	EncryptionKey string `mapstructure:"encryption_key" yaml:"encryption_key"`

	// Tables are the tracked data tables.
	Tables []store.TableSpec `mapstructure:"tables" yaml:"tables"`

	// BatchSize is the push batch size.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// MaxRetries is the relay-call attempt count.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// RetryBaseDelay is the initial retry backoff.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`

	// MaxPullPages bounds a single pull.
	MaxPullPages int `mapstructure:"max_pull_pages" yaml:"max_pull_pages"`

	// SyncInterval is the daemon's periodic sync cadence.
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`

	// DebounceInterval batches rapid local changes before a push.
	DebounceInterval time.Duration `mapstructure:"debounce_interval" yaml:"debounce_interval"`

	// DashboardPort serves the WebSocket event dashboard. Zero disables.
	DashboardPort int `mapstructure:"dashboard_port" yaml:"dashboard_port"`

	// RelayPort is the listen port for the built-in relay server.
	RelayPort int `mapstructure:"relay_port" yaml:"relay_port"`

	// LogFile enables rotating file logs when set.
	LogFile        string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB   int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups  int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	LogMaxAgeDays  int    `mapstructure:"log_max_age_days" yaml:"log_max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:          ".relaysync",
		RelayURL:         "http://localhost:8384",
		BatchSize:        50,
		MaxRetries:       5,
		RetryBaseDelay:   time.Second,
		MaxPullPages:     100,
		SyncInterval:     30 * time.Second,
		DebounceInterval: 2 * time.Second,
		DashboardPort:    0,
		RelayPort:        8384,
		LogMaxSizeMB:     10,
		LogMaxBackups:    3,
		LogMaxAgeDays:    28,
		Tables: []store.TableSpec{
			{Name: "links", KeyFields: []string{"id"}, UniqueFields: []string{"url"}},
		},
	}
}

// DatabasePath returns the local database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "local.db")
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	if c.MaxPullPages <= 0 {
		return fmt.Errorf("max_pull_pages must be positive")
	}
	for i := range c.Tables {
		if err := c.Tables[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads configuration from path, layering file values and
// RELAYSYNC_* environment variables over the defaults. A missing file is
// not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("relay_url", def.RelayURL)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("retry_base_delay", def.RetryBaseDelay)
	v.SetDefault("max_pull_pages", def.MaxPullPages)
	v.SetDefault("sync_interval", def.SyncInterval)
	v.SetDefault("debounce_interval", def.DebounceInterval)
	v.SetDefault("dashboard_port", def.DashboardPort)
	v.SetDefault("relay_port", def.RelayPort)
	v.SetDefault("log_max_size_mb", def.LogMaxSizeMB)
	v.SetDefault("log_max_backups", def.LogMaxBackups)
	v.SetDefault("log_max_age_days", def.LogMaxAgeDays)

	v.SetEnvPrefix("RELAYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Tables) == 0 {
		cfg.Tables = def.Tables
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write persists the configuration as YAML, creating parent directories
// as needed.
func Write(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// WriteDefault writes the default configuration to path. Fails if the
// file already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	return Write(path, Default())
}
