// ABOUTME: Configuration loading and parsing for consentd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// FailurePolicy controls what an agent does with a message whose
// processing failed.
type FailurePolicy string

const (
	// FailureAck acknowledges the failed message so it is never redelivered
	// (log-and-drop).
	FailureAck FailurePolicy = "ack"
	// FailureNack negatively acknowledges the failed message so the broker
	// redelivers it.
	FailureNack FailurePolicy = "nack"
)

// Config represents the complete consentd configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Agents    AgentsConfig    `yaml:"agents"`
	Admission AdmissionConfig `yaml:"admission"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	IdleTimeout    time.Duration `yaml:"-"`
	IdleTimeoutRaw string        `yaml:"idle_timeout"`
}

// BrokerConfig holds message broker connection configuration
type BrokerConfig struct {
	// Provider selects the broker implementation: "jetstream" or "memory".
	Provider string `yaml:"provider"`
	// Endpoint is the broker client URL (e.g. nats://host:4222).
	Endpoint string `yaml:"endpoint"`
	// AdminEndpoint is the broker admin/monitoring URL used for backlog reads.
	AdminEndpoint string `yaml:"admin_endpoint"`
	// PartitionCount is the number of partitions requested per topic.
	PartitionCount int `yaml:"partition_count"`
	// TopicPrefix namespaces all topic names (typically the environment name).
	TopicPrefix string `yaml:"topic_prefix"`
}

// AgentsConfig holds agent scheduling configuration
type AgentsConfig struct {
	// PoolSize is the number of worker slots shared by the agent receive
	// loops. Agents beyond this count queue behind the others.
	PoolSize int `yaml:"pool_size"`
	// ResponseQueueSize is the number of workers in the shared
	// response-execution pool.
	ResponseQueueSize int `yaml:"response_queue_size"`
	// FailurePolicy is the disposition of messages whose processing failed:
	// "ack" (drop) or "nack" (redeliver).
	FailurePolicy FailurePolicy `yaml:"failure_policy"`
}

// AdmissionConfig holds the rate-limit rule applied to business paths
type AdmissionConfig struct {
	// RequestsPerSec is the per-path-pattern admission threshold.
	RequestsPerSec int `yaml:"requests_per_sec"`
	// MaxRequestMS bounds the lifetime of an admitted request in milliseconds.
	MaxRequestMS int `yaml:"max_request_ms"`
	// DelayMS is the overload policy: -1 rejects excess requests immediately,
	// a non-negative value waits up to that many milliseconds for capacity.
	DelayMS int `yaml:"delay_ms"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds token issuing configuration for the oauth surface
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// CryptoConfig holds the crypto session configuration
type CryptoConfig struct {
	// Key is the hex-encoded 32-byte session key. Empty means no session,
	// which fails the startup precondition check.
	Key string `yaml:"key"`
}

// ShutdownConfig holds the drain and pool shutdown tuning
type ShutdownConfig struct {
	PoolWait            time.Duration `yaml:"-"`
	DrainInitialBackoff time.Duration `yaml:"-"`
	DrainMaxBackoff     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PoolWaitRaw            string `yaml:"pool_wait"`
	DrainInitialBackoffRaw string `yaml:"drain_initial_backoff"`
	DrainMaxBackoffRaw     string `yaml:"drain_max_backoff"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values the original deployment left implicit.
func (c *Config) applyDefaults() {
	if c.Broker.Provider == "" {
		c.Broker.Provider = "jetstream"
	}
	if c.Broker.PartitionCount <= 0 {
		c.Broker.PartitionCount = 1
	}
	if c.Broker.TopicPrefix == "" {
		c.Broker.TopicPrefix = "consentd"
	}
	if c.Agents.PoolSize <= 0 {
		c.Agents.PoolSize = 4
	}
	if c.Agents.ResponseQueueSize <= 0 {
		c.Agents.ResponseQueueSize = 8
	}
	if c.Agents.FailurePolicy == "" {
		c.Agents.FailurePolicy = FailureAck
	}
	if c.Admission.RequestsPerSec <= 0 {
		c.Admission.RequestsPerSec = 50
	}
	if c.Admission.MaxRequestMS <= 0 {
		c.Admission.MaxRequestMS = 60000
	}
	if c.Admission.DelayMS == 0 {
		c.Admission.DelayMS = -1
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = time.Hour
	}
	if c.Shutdown.PoolWait == 0 {
		c.Shutdown.PoolWait = 60 * time.Second
	}
	if c.Shutdown.DrainInitialBackoff == 0 {
		c.Shutdown.DrainInitialBackoff = 100 * time.Millisecond
	}
	if c.Shutdown.DrainMaxBackoff == 0 {
		c.Shutdown.DrainMaxBackoff = 5 * time.Second
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Broker.Provider {
	case "jetstream":
		if c.Broker.Endpoint == "" {
			return fmt.Errorf("broker.endpoint is required when broker.provider is jetstream")
		}
	case "memory":
	default:
		return fmt.Errorf("broker.provider must be jetstream or memory, got %q", c.Broker.Provider)
	}

	switch c.Agents.FailurePolicy {
	case FailureAck, FailureNack:
	default:
		return fmt.Errorf("agents.failure_policy must be ack or nack, got %q", c.Agents.FailurePolicy)
	}

	if c.Admission.DelayMS < -1 {
		return fmt.Errorf("admission.delay_ms must be -1 (reject) or >= 0 (delay), got %d", c.Admission.DelayMS)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.idle_timeout", cfg.Server.IdleTimeoutRaw, &cfg.Server.IdleTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"shutdown.pool_wait", cfg.Shutdown.PoolWaitRaw, &cfg.Shutdown.PoolWait},
		{"shutdown.drain_initial_backoff", cfg.Shutdown.DrainInitialBackoffRaw, &cfg.Shutdown.DrainInitialBackoff},
		{"shutdown.drain_max_backoff", cfg.Shutdown.DrainMaxBackoffRaw, &cfg.Shutdown.DrainMaxBackoff},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
