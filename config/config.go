// Package config loads wattstream configuration from a YAML file.
//
// Load(path) reads the file, starts from Default(), applies environment
// overrides and validates the result. Watch(ctx, path, onChange) uses
// fsnotify to reload the file when it changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the configuration.
const (
	DefaultListenAddr   = "localhost:9090"
	DefaultStreamURL    = "ws://localhost:9090/ws"
	DefaultPollInterval = time.Second
	DefaultMaxClients   = 16
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultRateLimit    = 6.0 // requests per minute to the Octopus API
)

// Environment variables that override file values.
const (
	EnvStreamURL     = "WATTSTREAM_URL"
	EnvAPIKey        = "OCTOPUS_API_KEY"
	EnvAccountNumber = "OCTOPUS_ACCOUNT_NUMBER"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Octopus OctopusConfig `yaml:"octopus"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds the feed server settings.
type ServerConfig struct {
	// Addr is the HTTP listen address; the feed is served at /ws.
	Addr string `yaml:"addr"`

	// Source is one of: simulated | octopus.
	Source string `yaml:"source"`

	// PollInterval is how often the source is asked for a new reading.
	PollInterval time.Duration `yaml:"poll_interval"`

	MaxClients int `yaml:"max_clients"`

	// Advertise announces the feed over mDNS.
	Advertise bool `yaml:"advertise"`

	// MCP serves the MCP tools over stdio alongside the HTTP server.
	MCP bool `yaml:"mcp"`
}

// ClientConfig holds the stream client settings.
type ClientConfig struct {
	// URL of the feed. Empty means discover it over mDNS.
	URL string `yaml:"url"`

	// Backoff is one of: exponential | fixed.
	Backoff      string        `yaml:"backoff"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       *bool         `yaml:"jitter"`

	// MaxRetries gives up after this many consecutive failures; 0 never does.
	MaxRetries int `yaml:"max_retries"`

	// ReadTimeout treats a silent connection as dead; 0 disables it.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// History is the number of points kept for the chart.
	History int `yaml:"history"`

	// MetricsAddr exposes client metrics when set, e.g. ":9091".
	MetricsAddr string `yaml:"metrics_addr"`
}

// JitterEnabled defaults to true when the key is absent.
func (c ClientConfig) JitterEnabled() bool {
	return c.Jitter == nil || *c.Jitter
}

// OctopusConfig holds the Octopus Energy API credentials.
type OctopusConfig struct {
	APIKey        string  `yaml:"api_key"`
	AccountNumber string  `yaml:"account_number"`
	BaseURL       string  `yaml:"base_url"`
	RatePerMinute float64 `yaml:"rate_per_minute"`
}

type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
	// Format is one of: json | text.
	Format string `yaml:"format"`
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults with environment
// overrides when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := Default()
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         DefaultListenAddr,
			Source:       "simulated",
			PollInterval: DefaultPollInterval,
			MaxClients:   DefaultMaxClients,
		},
		Client: ClientConfig{
			URL:          DefaultStreamURL,
			Backoff:      "exponential",
			InitialDelay: DefaultInitialDelay,
			MaxDelay:     DefaultMaxDelay,
			History:      300,
		},
		Octopus: OctopusConfig{
			RatePerMinute: DefaultRateLimit,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvStreamURL); ok {
		cfg.Client.URL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Octopus.APIKey = v
	}
	if v := os.Getenv(EnvAccountNumber); v != "" {
		cfg.Octopus.AccountNumber = v
	}
}

func validate(cfg *Config) error {
	switch cfg.Server.Source {
	case "simulated", "octopus":
	default:
		return fmt.Errorf("server.source %q unknown: want simulated|octopus", cfg.Server.Source)
	}
	if cfg.Server.PollInterval <= 0 {
		return fmt.Errorf("server.poll_interval must be positive")
	}
	if cfg.Server.MaxClients <= 0 {
		return fmt.Errorf("server.max_clients must be positive")
	}

	switch cfg.Client.Backoff {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("client.backoff %q unknown: want exponential|fixed", cfg.Client.Backoff)
	}
	if cfg.Client.InitialDelay <= 0 {
		return fmt.Errorf("client.initial_delay must be positive")
	}
	if cfg.Client.MaxDelay < cfg.Client.InitialDelay {
		return fmt.Errorf("client.max_delay %v is below client.initial_delay %v", cfg.Client.MaxDelay, cfg.Client.InitialDelay)
	}
	if cfg.Client.MaxRetries < 0 {
		return fmt.Errorf("client.max_retries must not be negative")
	}
	if cfg.Client.ReadTimeout < 0 {
		return fmt.Errorf("client.read_timeout must not be negative")
	}

	if cfg.Octopus.RatePerMinute <= 0 {
		return fmt.Errorf("octopus.rate_per_minute must be positive")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q unknown: want json|text", cfg.Log.Format)
	}
	return nil
}
