// ABOUTME: Configuration loading and parsing for pairwatch
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pairwatch configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Pairing   PairingConfig   `yaml:"pairing" toml:"pairing"`
	Sweep     SweepConfig     `yaml:"sweep" toml:"sweep"`
	Alert     AlertConfig     `yaml:"alert" toml:"alert"`
	Recovery  RecoveryConfig  `yaml:"recovery" toml:"recovery"`
	Fanout    FanoutConfig    `yaml:"fanout" toml:"fanout"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	// PublicURL is the externally reachable base URL the gateway posts webhooks to.
	PublicURL string `yaml:"public_url" toml:"public_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public ingress for gateway webhooks, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// GatewayConfig describes the external messaging gateway.
type GatewayConfig struct {
	BaseURL       string        `yaml:"base_url" toml:"base_url"`
	APIKey        string        `yaml:"api_key" toml:"api_key"`
	WebhookEvents []string      `yaml:"webhook_events" toml:"webhook_events"`
	Timeout       time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// PairingConfig controls pairing image lifetime and status polling.
type PairingConfig struct {
	TTL          time.Duration `yaml:"-" toml:"-"`
	PollInterval time.Duration `yaml:"-" toml:"-"`

	TTLRaw          string `yaml:"ttl" toml:"ttl"`
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
}

// SweepConfig controls the fleet health sweep.
type SweepConfig struct {
	// Interval of zero disables the scheduler; sweeps then run only on demand.
	Interval time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
}

// AlertConfig controls alert deduplication and the optional Matrix mirror.
type AlertConfig struct {
	Cooldown time.Duration `yaml:"-" toml:"-"`
	Matrix   MatrixConfig  `yaml:"matrix" toml:"matrix"`

	CooldownRaw string `yaml:"cooldown" toml:"cooldown"`
}

// MatrixConfig holds the Matrix room that mirrors alerts
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// RecoveryConfig points at the platform proxy that can redeploy the gateway.
type RecoveryConfig struct {
	ProxyURL  string        `yaml:"proxy_url" toml:"proxy_url"`
	ServiceID string        `yaml:"service_id" toml:"service_id"`
	Token     string        `yaml:"token" toml:"token"`
	Timeout   time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// FanoutConfig holds the optional cross-instance change transports.
type FanoutConfig struct {
	Redis RedisConfig `yaml:"redis" toml:"redis"`
	Kafka KafkaConfig `yaml:"kafka" toml:"kafka"`
}

// RedisConfig configures the pub/sub relay between pairwatch instances.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	Addr          string `yaml:"addr" toml:"addr"`
	Username      string `yaml:"username" toml:"username"`
	Password      string `yaml:"password" toml:"password"`
	DB            int    `yaml:"db" toml:"db"`
	ChannelPrefix string `yaml:"channel_prefix" toml:"channel_prefix"`
}

// KafkaConfig configures the status transition sink.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults
const (
	DefaultGatewayTimeout      = 5 * time.Second
	DefaultPairingTTL          = 60 * time.Second
	DefaultPollInterval        = 5 * time.Second
	DefaultAlertCooldown       = 30 * time.Minute
	MaxAlertCooldown           = 24 * time.Hour
	MinSweepInterval           = 30 * time.Second
	MaxSweepInterval           = 24 * time.Hour
	DefaultRecoveryTimeout     = 30 * time.Second
	DefaultRedisChannelPrefix  = "pairwatch:sessions:"
	DefaultKafkaTopic          = "pairwatch.status-transitions"
	DefaultTelemetryService    = "pairwatch"
	defaultConfigFileName      = "config.yaml"
	defaultConfigDirectoryName = "pairwatch"
)

// DefaultWebhookEvents are the gateway events subscribed for every session.
var DefaultWebhookEvents = []string{"CONNECTION_UPDATE", "QRCODE_UPDATED", "MESSAGES_UPSERT"}

// DefaultPath returns the config file location.
// Priority: PAIRWATCH_CONFIG env var > XDG_CONFIG_HOME/pairwatch/config.yaml > ~/.config/pairwatch/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("PAIRWATCH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return defaultConfigFileName
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, defaultConfigDirectoryName, defaultConfigFileName)
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = DefaultGatewayTimeout
	}
	if len(c.Gateway.WebhookEvents) == 0 {
		c.Gateway.WebhookEvents = append([]string(nil), DefaultWebhookEvents...)
	}
	if c.Pairing.TTL == 0 {
		c.Pairing.TTL = DefaultPairingTTL
	}
	if c.Pairing.PollInterval == 0 {
		c.Pairing.PollInterval = DefaultPollInterval
	}
	if c.Alert.CooldownRaw == "" {
		c.Alert.Cooldown = DefaultAlertCooldown
	}
	if c.Recovery.Timeout == 0 {
		c.Recovery.Timeout = DefaultRecoveryTimeout
	}
	if c.Fanout.Redis.ChannelPrefix == "" {
		c.Fanout.Redis.ChannelPrefix = DefaultRedisChannelPrefix
	}
	if c.Fanout.Kafka.Topic == "" {
		c.Fanout.Kafka.Topic = DefaultKafkaTopic
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultTelemetryService
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Server.PublicURL != "" {
		if err := validateHTTPURL(c.Server.PublicURL); err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
	}

	if c.Gateway.BaseURL != "" {
		if err := validateHTTPURL(c.Gateway.BaseURL); err != nil {
			return fmt.Errorf("gateway.base_url: %w", err)
		}
	}

	if c.Sweep.Interval < 0 {
		return fmt.Errorf("sweep.interval must not be negative")
	}
	if c.Sweep.Interval > 0 && (c.Sweep.Interval < MinSweepInterval || c.Sweep.Interval > MaxSweepInterval) {
		return fmt.Errorf("sweep.interval must be 0 or between %s and %s", MinSweepInterval, MaxSweepInterval)
	}
	if c.Alert.Cooldown < 0 {
		return fmt.Errorf("alert.cooldown must not be negative")
	}
	if c.Alert.Cooldown > MaxAlertCooldown {
		return fmt.Errorf("alert.cooldown must not exceed %s", MaxAlertCooldown)
	}

	if m := c.Alert.Matrix; m.Enabled {
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" || m.RoomID == "" {
			return fmt.Errorf("alert.matrix requires homeserver, user_id, access_token and room_id when enabled")
		}
	}

	if c.Recovery.ProxyURL != "" {
		if err := validateHTTPURL(c.Recovery.ProxyURL); err != nil {
			return fmt.Errorf("recovery.proxy_url: %w", err)
		}
		if c.Recovery.ServiceID == "" {
			return fmt.Errorf("recovery.service_id is required when recovery.proxy_url is set")
		}
	}

	if c.Fanout.Redis.Enabled && c.Fanout.Redis.Addr == "" {
		return fmt.Errorf("fanout.redis.addr is required when redis is enabled")
	}
	if c.Fanout.Kafka.Enabled && len(c.Fanout.Kafka.Brokers) == 0 {
		return fmt.Errorf("fanout.kafka.brokers is required when kafka is enabled")
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
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
		{"gateway.timeout", cfg.Gateway.TimeoutRaw, &cfg.Gateway.Timeout},
		{"pairing.ttl", cfg.Pairing.TTLRaw, &cfg.Pairing.TTL},
		{"pairing.poll_interval", cfg.Pairing.PollIntervalRaw, &cfg.Pairing.PollInterval},
		{"sweep.interval", cfg.Sweep.IntervalRaw, &cfg.Sweep.Interval},
		{"alert.cooldown", cfg.Alert.CooldownRaw, &cfg.Alert.Cooldown},
		{"recovery.timeout", cfg.Recovery.TimeoutRaw, &cfg.Recovery.Timeout},
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
