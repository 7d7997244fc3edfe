package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wppsync/config.toml.
type Config struct {
	DefaultSession string             `toml:"default_session"`
	Store          StoreConfig        `toml:"store"`
	Sync           SyncConfig         `toml:"sync"`
	API            APIConfig          `toml:"api"`
	Connectivity   ConnectivityConfig `toml:"connectivity"`
	Schedule       ScheduleConfig     `toml:"schedule"`
	Metrics        MetricsConfig      `toml:"metrics"`
	Tracing        TracingConfig      `toml:"tracing"`
}

// StoreConfig selects the pending-message store backend.
type StoreConfig struct {
	Backend string `toml:"backend"` // "sqlite" or "bolt"
}

// SyncConfig tunes the drain loop.
type SyncConfig struct {
	BatchSize   int      `toml:"batch_size"`
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	SendTimeout Duration `toml:"send_timeout"`
}

// APIConfig selects and configures the Send API.
type APIConfig struct {
	Transport     string        `toml:"transport"` // "http" or "whatsapp"
	BaseURL       string        `toml:"base_url"`
	Token         string        `toml:"token"`
	RatePerSecond float64       `toml:"rate_per_second"`
	Burst         int           `toml:"burst"`
	Breaker       BreakerConfig `toml:"breaker"`
}

// BreakerConfig configures the Send API circuit breaker.
type BreakerConfig struct {
	Failures uint32   `toml:"failures"`
	Timeout  Duration `toml:"timeout"`
}

// ConnectivityConfig selects the network-state source.
type ConnectivityConfig struct {
	Mode          string   `toml:"mode"` // "probe", "static" or "whatsapp"
	ProbeAddress  string   `toml:"probe_address"`
	ProbeInterval Duration `toml:"probe_interval"`
	ProbeTimeout  Duration `toml:"probe_timeout"`
}

// ScheduleConfig configures the scheduled drain triggers.
type ScheduleConfig struct {
	PeriodicInterval Duration `toml:"periodic_interval"`
	RetryBackoff     Duration `toml:"retry_backoff"`
	MaxRetries       int      `toml:"max_retries"`
}

// MetricsConfig configures the HTTP metrics listener. Empty disables it.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// TracingConfig configures OTLP trace export. Empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
	Insecure    bool   `toml:"insecure"`
}

// Duration is a time.Duration written as a string ("15m") in TOML.
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Backend: "sqlite"},
		Sync: SyncConfig{
			BatchSize:   10,
			MaxAttempts: 5,
			BaseDelay:   D(time.Second),
			MaxDelay:    D(16 * time.Second),
			SendTimeout: D(30 * time.Second),
		},
		API: APIConfig{
			Transport: "http",
			Breaker: BreakerConfig{
				Failures: 5,
				Timeout:  D(30 * time.Second),
			},
		},
		Connectivity: ConnectivityConfig{
			Mode:          "probe",
			ProbeAddress:  "1.1.1.1:443",
			ProbeInterval: D(10 * time.Second),
			ProbeTimeout:  D(3 * time.Second),
		},
		Schedule: ScheduleConfig{
			PeriodicInterval: D(15 * time.Minute),
			RetryBackoff:     D(30 * time.Second),
			MaxRetries:       3,
		},
		Tracing: TracingConfig{ServiceName: "wppsyncd"},
	}
}

// Load reads config from the given path over the defaults.
// Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "sqlite", "bolt":
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, errors.New("sync.max_attempts must be positive"))
	}
	if c.Sync.BaseDelay.Duration <= 0 || c.Sync.MaxDelay.Duration <= 0 {
		errs = append(errs, errors.New("sync.base_delay and sync.max_delay must be positive"))
	}
	if c.Sync.SendTimeout.Duration <= 0 {
		errs = append(errs, errors.New("sync.send_timeout must be positive"))
	}
	switch c.API.Transport {
	case "http":
		if c.API.BaseURL == "" {
			errs = append(errs, errors.New("api.base_url is required for the http transport"))
		}
	case "whatsapp":
	default:
		errs = append(errs, fmt.Errorf("api.transport: unknown transport %q", c.API.Transport))
	}
	switch c.Connectivity.Mode {
	case "probe":
		if c.Connectivity.ProbeAddress == "" || c.Connectivity.ProbeInterval.Duration <= 0 {
			errs = append(errs, errors.New("connectivity.probe_address and probe_interval are required in probe mode"))
		}
	case "static", "whatsapp":
	default:
		errs = append(errs, fmt.Errorf("connectivity.mode: unknown mode %q", c.Connectivity.Mode))
	}
	if c.Connectivity.Mode == "whatsapp" && c.API.Transport != "whatsapp" {
		errs = append(errs, errors.New("connectivity.mode whatsapp requires api.transport whatsapp"))
	}
	if c.Schedule.PeriodicInterval.Duration <= 0 {
		errs = append(errs, errors.New("schedule.periodic_interval must be positive"))
	}
	if c.Schedule.MaxRetries < 0 {
		errs = append(errs, errors.New("schedule.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
