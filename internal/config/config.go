// Package config loads the sentineld server configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full sentineld configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Secrets SecretsConfig `yaml:"secrets"`
	Policy  PolicyConfig  `yaml:"policy"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig configures the HTTP listener. Durations are strings in
// time.ParseDuration syntax (e.g. "10s"); use the getter methods.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// AdminAllowlist restricts admin endpoints to these source addresses.
	// Empty means the signature check alone gates admin access.
	AdminAllowlist []string `yaml:"admin_allowlist"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Driver is one of "sqlite", "postgres", "mongo", or "memory".
	Driver string `yaml:"driver"`
	// DSN is the connection string. For sqlite it is the database file path;
	// for mongo it must include the database name in the path component.
	DSN string `yaml:"dsn"`
}

// SecretsConfig carries the server's key material. Every secret can also be
// supplied via environment variable so the YAML file need not hold them.
type SecretsConfig struct {
	Seal    string `yaml:"seal_secret"`
	Signing string `yaml:"signing_secret"`
	Admin   string `yaml:"admin_secret"`
}

// PolicyConfig holds licensing policy knobs. TrialValidity supports a day
// suffix (e.g. "30d") on top of time.ParseDuration syntax.
type PolicyConfig struct {
	TrialCap      int    `yaml:"trial_cap"`
	TrialValidity string `yaml:"trial_validity"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns a configuration with sane defaults for a single-host
// deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8443",
			ReadTimeout:     "10s",
			WriteTimeout:    "10s",
			ShutdownTimeout: "15s",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "sentinel.db",
		},
		Policy: PolicyConfig{
			TrialCap:      10,
			TrialValidity: "30d",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. An empty path skips the file and uses defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays SENTINEL_* environment variables onto the configuration.
// Environment always wins over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("SENTINEL_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("SENTINEL_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("SENTINEL_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("SENTINEL_SEAL_SECRET"); v != "" {
		c.Secrets.Seal = v
	}
	if v := os.Getenv("SENTINEL_SIGNING_SECRET"); v != "" {
		c.Secrets.Signing = v
	}
	if v := os.Getenv("SENTINEL_ADMIN_SECRET"); v != "" {
		c.Secrets.Admin = v
	}
	if v := os.Getenv("SENTINEL_TRIAL_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Policy.TrialCap = n
		}
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// ReadTimeoutDuration returns the parsed read timeout.
func (c *ServerConfig) ReadTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ReadTimeout)
	return d
}

// WriteTimeoutDuration returns the parsed write timeout.
func (c *ServerConfig) WriteTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.WriteTimeout)
	return d
}

// ShutdownTimeoutDuration returns the parsed shutdown timeout.
func (c *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ShutdownTimeout)
	return d
}

// TrialValidityDuration returns the parsed trial validity.
func (c *PolicyConfig) TrialValidityDuration() time.Duration {
	d, _ := parseDuration(c.TrialValidity)
	return d
}

// parseDuration parses a duration with support for a day suffix (e.g. "30d").
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	for key, val := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, val)
		}
	}
	if _, err := parseDuration(c.Policy.TrialValidity); err != nil {
		return fmt.Errorf("policy.trial_validity: invalid duration %q", c.Policy.TrialValidity)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "mongo", "memory":
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
	}
	if len(c.Secrets.Seal) < 16 {
		return fmt.Errorf("secrets.seal_secret must be at least 16 bytes")
	}
	if len(c.Secrets.Signing) < 16 {
		return fmt.Errorf("secrets.signing_secret must be at least 16 bytes")
	}
	if len(c.Secrets.Admin) < 16 {
		return fmt.Errorf("secrets.admin_secret must be at least 16 bytes")
	}
	if c.Policy.TrialCap < 0 {
		return fmt.Errorf("policy.trial_cap must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not supported", c.Log.Format)
	}
	return nil
}
