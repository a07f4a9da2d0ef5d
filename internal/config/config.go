package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string such as "1.5s" in TOML.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultSession string          `toml:"default_session"`
	LogLevel       string          `toml:"log_level"`
	Server         ServerConfig    `toml:"server"`
	Delivery       DeliveryConfig  `toml:"delivery"`
	RateLimit      RateLimitConfig `toml:"ratelimit"`
	Receipts       ReceiptsConfig  `toml:"receipts"`
	Realtime       RealtimeConfig  `toml:"realtime"`
	Sync           SyncConfig      `toml:"sync"`
}

// ServerConfig locates the chat server and the local user.
type ServerConfig struct {
	APIURL      string   `toml:"api_url"`
	RealtimeURL string   `toml:"realtime_url"`
	UserID      string   `toml:"user_id"`
	Timeout     Duration `toml:"timeout"`
}

type DeliveryConfig struct {
	Interval    Duration `toml:"interval"`
	BatchSize   int      `toml:"batch_size"`
	MaxAttempts int      `toml:"max_attempts"`
	Concurrency int      `toml:"concurrency"`
	BaseBackoff Duration `toml:"base_backoff"`
	MaxBackoff  Duration `toml:"max_backoff"`
}

type RateLimitConfig struct {
	MinInterval Duration `toml:"min_interval"`
}

type ReceiptsConfig struct {
	FlushDelay Duration `toml:"flush_delay"`
	BatchSize  int      `toml:"batch_size"`
	MaxQueue   int      `toml:"max_queue"`
	MaxBackoff Duration `toml:"max_backoff"`
}

type RealtimeConfig struct {
	Enabled           bool     `toml:"enabled"`
	ReconnectBase     Duration `toml:"reconnect_base"`
	ReconnectMax      Duration `toml:"reconnect_max"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`

	// KickInterval is how often a connection that gave up is retried.
	KickInterval Duration `toml:"kick_interval"`
}

type SyncConfig struct {
	ClockSkew Duration `toml:"clock_skew"`

	// PollInterval paces catch-up while realtime is disabled.
	PollInterval Duration `toml:"poll_interval"`
}

// Default returns the configuration used when the file or a key is missing.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		LogLevel:       "info",
		Server: ServerConfig{
			APIURL:      "http://localhost:8080",
			RealtimeURL: "ws://localhost:8080/v1/realtime",
			Timeout:     D(15 * time.Second),
		},
		Delivery: DeliveryConfig{
			Interval:    D(5 * time.Second),
			BatchSize:   50,
			MaxAttempts: 5,
			Concurrency: 4,
			BaseBackoff: D(time.Second),
			MaxBackoff:  D(5 * time.Minute),
		},
		RateLimit: RateLimitConfig{MinInterval: D(time.Second)},
		Receipts: ReceiptsConfig{
			FlushDelay: D(2 * time.Second),
			BatchSize:  50,
			MaxQueue:   5000,
			MaxBackoff: D(time.Minute),
		},
		Realtime: RealtimeConfig{
			Enabled:           true,
			ReconnectBase:     D(time.Second),
			ReconnectMax:      D(15 * time.Second),
			ReconnectAttempts: 10,
			KickInterval:      D(time.Minute),
		},
		Sync: SyncConfig{
			ClockSkew:    D(3 * time.Second),
			PollInterval: D(30 * time.Second),
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values the daemon cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if err := checkURL(c.Server.APIURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("server.api_url: %w", err))
	}
	if c.Realtime.Enabled {
		if err := checkURL(c.Server.RealtimeURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("server.realtime_url: %w", err))
		}
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, errors.New("delivery.max_attempts must be at least 1"))
	}
	if c.Delivery.Concurrency < 1 {
		errs = append(errs, errors.New("delivery.concurrency must be at least 1"))
	}
	if c.Receipts.BatchSize < 1 {
		errs = append(errs, errors.New("receipts.batch_size must be at least 1"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %v URL", raw, schemes)
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
