// Package config loads fieldsync settings from defaults, an optional YAML
// file, FIELDSYNC_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/store"
)

// EnvPrefix prefixes every environment variable, e.g. FIELDSYNC_REMOTE_BASE_URL.
const EnvPrefix = "FIELDSYNC"

// Config is the complete runtime configuration.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Reconciler   ReconcilerConfig   `mapstructure:"reconciler" yaml:"reconciler"`
	Retry        RetryConfig        `mapstructure:"retry" yaml:"retry"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// DatabaseConfig locates the local SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// Driver is "sqlite3" (mattn/go-sqlite3, cgo) or "sqlite" (modernc.org/sqlite).
	Driver string `mapstructure:"driver" yaml:"driver"`
}

// RemoteConfig points at the authoritative API.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ReconcilerConfig tunes background replay.
type ReconcilerConfig struct {
	Workers  int           `mapstructure:"workers" yaml:"workers"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Jitter   float64       `mapstructure:"jitter" yaml:"jitter"`
	// RateLimit caps dispatches per second; 0 disables the limit.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// RetryConfig mirrors queue.RetryPolicy.
type RetryConfig struct {
	Ceiling         int           `mapstructure:"ceiling" yaml:"ceiling"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Jitter          float64       `mapstructure:"jitter" yaml:"jitter"`
}

// Policy converts the section to a queue.RetryPolicy.
func (r RetryConfig) Policy() queue.RetryPolicy {
	return queue.RetryPolicy{
		Ceiling:         r.Ceiling,
		InitialInterval: r.InitialInterval,
		Multiplier:      r.Multiplier,
		MaxInterval:     r.MaxInterval,
		Jitter:          r.Jitter,
	}
}

// ConnectivityConfig controls the health prober. An empty HealthURL derives
// it from the remote base URL.
type ConnectivityConfig struct {
	HealthURL     string        `mapstructure:"health_url" yaml:"health_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	// Offline forces the engine offline regardless of probes.
	Offline bool `mapstructure:"offline" yaml:"offline"`
}

// LogConfig selects level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	policy := queue.DefaultRetryPolicy()
	return Config{
		Database: DatabaseConfig{Path: "fieldsync.db", Driver: store.DriverMattn},
		Remote:   RemoteConfig{BaseURL: "http://localhost:8080", Timeout: 15 * time.Second},
		Reconciler: ReconcilerConfig{
			Workers:  4,
			Interval: 30 * time.Second,
			Jitter:   0.1,
			Burst:    1,
		},
		Retry: RetryConfig{
			Ceiling:         policy.Ceiling,
			InitialInterval: policy.InitialInterval,
			Multiplier:      policy.Multiplier,
			MaxInterval:     policy.MaxInterval,
			Jitter:          policy.Jitter,
		},
		Connectivity: ConnectivityConfig{ProbeInterval: 10 * time.Second, ProbeTimeout: 3 * time.Second},
		Log:          LogConfig{Level: "info", Format: "console"},
	}
}

// LoadOption configures Load.
type LoadOption func(*viper.Viper) error

// WithFile reads path, which must exist. An empty path is ignored.
func WithFile(path string) LoadOption {
	return func(v *viper.Viper) error {
		if path == "" {
			return nil
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
}

// WithFlag lets flag override key when it was set on the command line.
func WithFlag(key string, flag *pflag.Flag) LoadOption {
	return func(v *viper.Viper) error {
		if flag == nil {
			return nil
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
		return nil
	}
}

// Load builds a Config and validates it.
func Load(opts ...LoadOption) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables apply to keys
// absent from the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("reconciler.workers", d.Reconciler.Workers)
	v.SetDefault("reconciler.interval", d.Reconciler.Interval)
	v.SetDefault("reconciler.jitter", d.Reconciler.Jitter)
	v.SetDefault("reconciler.rate_limit", d.Reconciler.RateLimit)
	v.SetDefault("reconciler.burst", d.Reconciler.Burst)
	v.SetDefault("retry.ceiling", d.Retry.Ceiling)
	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("connectivity.health_url", d.Connectivity.HealthURL)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.probe_timeout", d.Connectivity.ProbeTimeout)
	v.SetDefault("connectivity.offline", d.Connectivity.Offline)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Validate reports every configuration error.
func (c Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.Driver != store.DriverMattn && c.Database.Driver != store.DriverModernc {
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q", store.DriverMattn, store.DriverModernc, c.Database.Driver))
	}

	if err := validateURL("remote.base_url", c.Remote.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}

	if c.Reconciler.Workers < 1 {
		errs = append(errs, errors.New("reconciler.workers must be at least 1"))
	}
	if c.Reconciler.Interval <= 0 {
		errs = append(errs, errors.New("reconciler.interval must be positive"))
	}
	if c.Reconciler.Jitter < 0 || c.Reconciler.Jitter >= 1 {
		errs = append(errs, errors.New("reconciler.jitter must be in [0, 1)"))
	}
	if c.Reconciler.RateLimit < 0 {
		errs = append(errs, errors.New("reconciler.rate_limit must not be negative"))
	}

	if err := c.Retry.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	if c.Connectivity.HealthURL != "" {
		if err := validateURL("connectivity.health_url", c.Connectivity.HealthURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Connectivity.ProbeInterval <= 0 {
		errs = append(errs, errors.New("connectivity.probe_interval must be positive"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}

	return errors.Join(errs...)
}

// HealthURL returns the connectivity probe target.
func (c Config) HealthURL() string {
	if c.Connectivity.HealthURL != "" {
		return c.Connectivity.HealthURL
	}
	return strings.TrimRight(c.Remote.BaseURL, "/") + "/healthz"
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", key, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", key)
	}
	return nil
}
