// Package config handles configuration loading for pairwatch.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PAIRWATCH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/pairwatch/config.yaml
//  3. ~/.config/pairwatch/config.yaml
//
// Files ending in .toml are parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PAIRWATCH_JWT_SECRET}"
//	gateway:
//	  api_key: "${GATEWAY_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax:
//
//	gateway:
//	  timeout: "5s"        # per gateway call
//	pairing:
//	  ttl: "60s"           # pairing image lifetime
//	  poll_interval: "5s"  # status watch cadence
//	sweep:
//	  interval: "0"        # 0 = on-demand sweeps only
//	alert:
//	  cooldown: "30m"      # suppress repeat disconnect alerts
//
// # Optional Integrations
//
//	tailscale:   tsnet listeners (funnel for public webhooks)
//	fanout.redis: cross-instance change relay
//	fanout.kafka: status transition sink
//	alert.matrix: Matrix room mirror for alerts
//	telemetry:   OTLP gRPC export of traces and metrics
package config
