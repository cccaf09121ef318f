// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"
  public_url: "https://pairwatch.example.com"

database:
  path: "./pairwatch.db"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"

gateway:
  base_url: "https://gateway.example.com"
  api_key: "gw-key"
  timeout: "3s"

pairing:
  ttl: "45s"
  poll_interval: "2s"

sweep:
  interval: "10m"

alert:
  cooldown: "15m"
  matrix:
    enabled: true
    homeserver: "https://matrix.org"
    user_id: "@pairwatch:matrix.org"
    access_token: "syt_token"
    room_id: "!ops:matrix.org"

recovery:
  proxy_url: "https://proxy.example.com"
  service_id: "gateway-svc"
  token: "proxy-token"

fanout:
  redis:
    enabled: true
    addr: "localhost:6379"
  kafka:
    enabled: true
    brokers: ["localhost:9092"]
    topic: "transitions"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "https://pairwatch.example.com", cfg.Server.PublicURL)
	assert.Equal(t, "gw-key", cfg.Gateway.APIKey)
	assert.Equal(t, 3*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, DefaultWebhookEvents, cfg.Gateway.WebhookEvents)
	assert.Equal(t, 45*time.Second, cfg.Pairing.TTL)
	assert.Equal(t, 2*time.Second, cfg.Pairing.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 15*time.Minute, cfg.Alert.Cooldown)
	assert.True(t, cfg.Alert.Matrix.Enabled)
	assert.Equal(t, "!ops:matrix.org", cfg.Alert.Matrix.RoomID)
	assert.Equal(t, DefaultRecoveryTimeout, cfg.Recovery.Timeout)
	assert.Equal(t, DefaultRedisChannelPrefix, cfg.Fanout.Redis.ChannelPrefix)
	assert.Equal(t, "transitions", cfg.Fanout.Kafka.Topic)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:8080"

[database]
path = "/tmp/pairwatch.db"

[auth]
jwt_secret = "0123456789abcdef0123456789abcdef"

[gateway]
base_url = "http://localhost:9000"
api_key = "k"

[sweep]
interval = "1h"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.Equal(t, DefaultGatewayTimeout, cfg.Gateway.Timeout)
	assert.Equal(t, DefaultPairingTTL, cfg.Pairing.TTL)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "x.db"
auth:
  jwt_secret: "secret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultGatewayTimeout, cfg.Gateway.Timeout)
	assert.Equal(t, DefaultPairingTTL, cfg.Pairing.TTL)
	assert.Equal(t, DefaultPollInterval, cfg.Pairing.PollInterval)
	assert.Equal(t, time.Duration(0), cfg.Sweep.Interval, "sweep scheduler is off unless configured")
	assert.Equal(t, DefaultAlertCooldown, cfg.Alert.Cooldown)
	assert.Equal(t, DefaultTelemetryService, cfg.Telemetry.ServiceName)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_ExplicitZeroCooldown(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "x.db"
auth:
  jwt_secret: "secret"
alert:
  cooldown: "0s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Alert.Cooldown)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("PAIRWATCH_TEST_SECRET", "from-env")
	t.Setenv("PAIRWATCH_TEST_KEY", "gw-from-env")

	path := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "x.db"
auth:
  jwt_secret: "${PAIRWATCH_TEST_SECRET}"
gateway:
  api_key: "${PAIRWATCH_TEST_KEY}"
  base_url: "${PAIRWATCH_TEST_UNSET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "gw-from-env", cfg.Gateway.APIKey)
	assert.Empty(t, cfg.Gateway.BaseURL)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "x.db"
auth:
  jwt_secret: "secret"
pairing:
  ttl: "sixty"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pairing.ttl")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Server:   ServerConfig{HTTPAddr: ":8080"},
			Database: DatabaseConfig{Path: "x.db"},
			Auth:     AuthConfig{JWTSecret: "secret"},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "pairwatch"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret"},
		{"bad gateway scheme", func(c *Config) { c.Gateway.BaseURL = "ftp://gw" }, "gateway.base_url"},
		{"negative sweep", func(c *Config) { c.Sweep.Interval = -time.Second }, "sweep.interval"},
		{"sweep too frequent", func(c *Config) { c.Sweep.Interval = time.Second }, "sweep.interval"},
		{"sweep too rare", func(c *Config) { c.Sweep.Interval = 48 * time.Hour }, "sweep.interval"},
		{"cooldown too long", func(c *Config) { c.Alert.Cooldown = 25 * time.Hour }, "alert.cooldown"},
		{"incomplete matrix", func(c *Config) { c.Alert.Matrix.Enabled = true }, "alert.matrix"},
		{"recovery without service", func(c *Config) { c.Recovery.ProxyURL = "https://proxy" }, "recovery.service_id"},
		{"redis without addr", func(c *Config) { c.Fanout.Redis.Enabled = true }, "fanout.redis.addr"},
		{"kafka without brokers", func(c *Config) { c.Fanout.Kafka.Enabled = true }, "fanout.kafka.brokers"},
		{"telemetry without endpoint", func(c *Config) { c.Telemetry.Enabled = true }, "telemetry.endpoint"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("PAIRWATCH_CONFIG", "/etc/pairwatch/custom.toml")
	assert.Equal(t, "/etc/pairwatch/custom.toml", DefaultPath())

	t.Setenv("PAIRWATCH_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "pairwatch", "config.yaml"), DefaultPath())
}
