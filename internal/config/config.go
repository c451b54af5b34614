// Package config loads the sync client configuration. Values start from
// DefaultConfig, are overridden by an optional YAML file, and then by
// environment variables. Command-line flags are applied by the caller last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config is the full client configuration.
type Config struct {
	// ServerURL is the WebSocket endpoint of the chat server.
	ServerURL string `yaml:"server_url"`

	// APIURL is the base URL of the REST API (me, notifications).
	APIURL string `yaml:"api_url"`

	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`

	Credential CredentialConfig `yaml:"credential"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Transport  TransportConfig  `yaml:"transport"`
	NATS       NATSConfig       `yaml:"nats"`
}

// CredentialConfig selects where the bearer credential is kept.
type CredentialConfig struct {
	// Backend is "file" or "redis".
	Backend string `yaml:"backend"`

	// Path is the credential file for the file backend.
	Path string `yaml:"path"`

	// RedisAddr is the Redis server for the redis backend.
	RedisAddr string `yaml:"redis_addr"`

	// Profile names the credential key in Redis.
	Profile string `yaml:"profile"`
}

// ReconnectConfig tunes the retry policy.
type ReconnectConfig struct {
	Delay       time.Duration `yaml:"delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TransportConfig tunes the WebSocket transport.
type TransportConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
}

// NATSConfig enables the NATS bridge when URL is set.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return Config{
		ServerURL: "ws://localhost:3000/ws",
		APIURL:    "http://localhost:3000/api",
		Credential: CredentialConfig{
			Backend:   BackendFile,
			Path:      filepath.Join(dir, "whisper-sync", "credential"),
			RedisAddr: "localhost:6379",
			Profile:   "default",
		},
		Reconnect: ReconnectConfig{
			Delay:       5 * time.Second,
			MaxAttempts: 5,
			DialTimeout: 20 * time.Second,
		},
		Transport: TransportConfig{
			WriteTimeout: 5 * time.Second,
			Heartbeat:    25 * time.Second,
		},
		NATS: NATSConfig{
			Prefix: "whisper",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is non-empty) and the environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up with
// lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SYNC_SERVER_URL", &c.ServerURL)
	str("SYNC_API_URL", &c.APIURL)
	str("SYNC_METRICS_ADDR", &c.MetricsAddr)
	str("SYNC_CREDENTIAL_BACKEND", &c.Credential.Backend)
	str("SYNC_CREDENTIAL_PATH", &c.Credential.Path)
	str("SYNC_CREDENTIAL_PROFILE", &c.Credential.Profile)
	str("REDIS_ADDR", &c.Credential.RedisAddr)
	str("NATS_URL", &c.NATS.URL)
	str("SYNC_NATS_PREFIX", &c.NATS.Prefix)

	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	if err := dur("SYNC_RECONNECT_DELAY", &c.Reconnect.Delay); err != nil {
		return err
	}
	if err := dur("SYNC_DIAL_TIMEOUT", &c.Reconnect.DialTimeout); err != nil {
		return err
	}
	if err := dur("SYNC_HEARTBEAT", &c.Transport.Heartbeat); err != nil {
		return err
	}

	if v, ok := lookup("SYNC_RECONNECT_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SYNC_RECONNECT_MAX_ATTEMPTS: %w", err)
		}
		c.Reconnect.MaxAttempts = n
	}
	return nil
}

// Validate reports every configuration problem found.
func (c Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("config: server_url is required"))
	}
	if c.APIURL == "" {
		errs = append(errs, errors.New("config: api_url is required"))
	}
	switch c.Credential.Backend {
	case BackendFile:
		if c.Credential.Path == "" {
			errs = append(errs, errors.New("config: credential.path is required for the file backend"))
		}
	case BackendRedis:
		if c.Credential.RedisAddr == "" {
			errs = append(errs, errors.New("config: credential.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown credential backend %q", c.Credential.Backend))
	}
	if c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("config: reconnect.max_attempts must be positive"))
	}
	if c.Reconnect.Delay <= 0 {
		errs = append(errs, errors.New("config: reconnect.delay must be positive"))
	}
	return errors.Join(errs...)
}
