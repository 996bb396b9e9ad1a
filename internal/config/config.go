// Package config loads daemon and CLI settings with viper.
//
// Precedence, lowest first: built-in defaults, the config file
// (config.yaml or config.toml in Dir, or an explicit path), RECORDER_*
// environment variables, then command-line flags bound by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. RECORDER_SYNC_TAG.
const EnvPrefix = "RECORDER"

const appName = "sound-recorder"

// Config is the full settings tree.
type Config struct {
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync" toml:"sync"`
	Freesound FreesoundConfig `mapstructure:"freesound" yaml:"freesound" toml:"freesound"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage" toml:"storage"`
	Inbox     InboxConfig     `mapstructure:"inbox" yaml:"inbox" toml:"inbox"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network" toml:"network"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard" toml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" toml:"log"`
}

type SyncConfig struct {
	Debounce         time.Duration `mapstructure:"debounce" yaml:"debounce" toml:"debounce"`
	MinInterval      time.Duration `mapstructure:"min_interval" yaml:"min_interval" toml:"min_interval"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff" yaml:"rate_limit_backoff" toml:"rate_limit_backoff"`
	InitialDelay     time.Duration `mapstructure:"initial_delay" yaml:"initial_delay" toml:"initial_delay"`
	Tag              string        `mapstructure:"tag" yaml:"tag" toml:"tag"`
	License          string        `mapstructure:"license" yaml:"license" toml:"license"`
}

type FreesoundConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url" toml:"base_url"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id" toml:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret" yaml:"client_secret" toml:"client_secret"`
	RedirectURL    string        `mapstructure:"redirect_url" yaml:"redirect_url" toml:"redirect_url"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries" toml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff" toml:"initial_backoff"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" toml:"timeout"`
}

type StorageConfig struct {
	Path      string `mapstructure:"path" yaml:"path" toml:"path"`
	TokenFile string `mapstructure:"token_file" yaml:"token_file" toml:"token_file"`
}

type InboxConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir" toml:"dir"`
}

type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url" yaml:"probe_url" toml:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" toml:"probe_interval"`
}

type DashboardConfig struct {
	// Port 0 disables the dashboard
	Port int `mapstructure:"port" yaml:"port" toml:"port"`
}

type LogConfig struct {
	// File enables rotating file output next to stderr
	File       string `mapstructure:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups"`
}

// Dir returns the directory searched for config files:
// $XDG_CONFIG_HOME/sound-recorder, falling back to ~/.config/sound-recorder.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+appName)
	}
	return filepath.Join(home, ".config", appName)
}

// DataDir returns where the database, token and inbox live by default:
// $XDG_DATA_HOME/sound-recorder, falling back to ~/.local/share/sound-recorder.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+appName)
	}
	return filepath.Join(home, ".local", "share", appName)
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	data := DataDir()

	v.SetDefault("sync.debounce", 2*time.Second)
	v.SetDefault("sync.min_interval", 30*time.Second)
	v.SetDefault("sync.rate_limit_backoff", 60*time.Second)
	v.SetDefault("sync.initial_delay", 3*time.Second)
	v.SetDefault("sync.tag", "sound-recorder-app")
	v.SetDefault("sync.license", "Creative Commons 0")

	v.SetDefault("freesound.base_url", "https://freesound.org/apiv2")
	v.SetDefault("freesound.client_id", "")
	v.SetDefault("freesound.client_secret", "")
	v.SetDefault("freesound.redirect_url", "https://freesound.org/home/app_permissions/permission_granted/")
	v.SetDefault("freesound.max_retries", 3)
	v.SetDefault("freesound.initial_backoff", 2*time.Second)
	v.SetDefault("freesound.timeout", 60*time.Second)

	v.SetDefault("storage.path", filepath.Join(data, "recordings.db"))
	v.SetDefault("storage.token_file", filepath.Join(data, "token.json"))

	v.SetDefault("inbox.dir", filepath.Join(data, "inbox"))

	v.SetDefault("network.probe_url", "https://freesound.org/")
	v.SetDefault("network.probe_interval", 15*time.Second)

	v.SetDefault("dashboard.port", 0)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// New returns a viper instance with defaults, environment binding and the
// config file location set. path overrides the search when non-empty.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(Dir())
	}
	return v
}

// Read loads the config file into v. A missing file is not an error unless
// it was named explicitly.
func Read(v *viper.Viper, explicit bool) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Decode unmarshals v into a Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is New, Read and Decode in one step.
func Load(path string) (*Config, error) {
	v := New(path)
	if err := Read(v, path != ""); err != nil {
		return nil, err
	}
	return Decode(v)
}

// Default returns the built-in settings.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Decode(v)
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Sync.Debounce <= 0:
		return fmt.Errorf("sync.debounce must be positive")
	case c.Sync.MinInterval < 0:
		return fmt.Errorf("sync.min_interval must not be negative")
	case c.Sync.RateLimitBackoff <= 0:
		return fmt.Errorf("sync.rate_limit_backoff must be positive")
	case strings.TrimSpace(c.Sync.Tag) == "":
		return fmt.Errorf("sync.tag is required")
	case c.Freesound.MaxRetries < 0:
		return fmt.Errorf("freesound.max_retries must not be negative")
	case c.Storage.Path == "":
		return fmt.Errorf("storage.path is required")
	case c.Dashboard.Port < 0 || c.Dashboard.Port > 65535:
		return fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	return nil
}

// Render encodes c as "yaml" or "toml".
func (c *Config) Render(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want yaml or toml)", format)
	}
}

// WriteFile renders c to path, choosing the format from the extension.
// An existing file is not overwritten.
func (c *Config) WriteFile(path string) error {
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	data, err := c.Render(format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// #nosec G304 - path comes from the command line
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}
