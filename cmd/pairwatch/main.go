// ABOUTME: Entry point for the pairwatch control plane
// ABOUTME: serve runs the API and scheduled sweeps; sweep, health and init are one-shot helpers

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/pairwatch/internal/config"
	"github.com/2389/pairwatch/internal/server"
	"github.com/2389/pairwatch/internal/telemetry"
)

// version is set at build time.
var version = "dev"

const banner = `
             _                    _       _
 _ __   __ _(_)_ ____      ____ _| |_ ___| |__
| '_ \ / _' | | '__\ \ /\ / / _' | __/ __| '_ \
| |_) | (_| | | |   \ V  V / (_| | || (__| | | |
| .__/ \__,_|_|_|    \_/\_/ \__,_|\__\___|_| |_|
|_|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: pairwatch <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the control plane")
		fmt.Println("  sweep    Run one fleet health sweep and exit")
		fmt.Println("  health   Check a running server")
		fmt.Println("  init     Create a new config file interactively")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "sweep":
		err = runSweep(ctx)
	case "health":
		err = runHealth(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupTelemetry installs global providers when telemetry is enabled. The
// returned func flushes and stops them.
func setupTelemetry(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	providers, err := telemetry.NewProviders(ctx, cfg.Endpoint, cfg.ServiceName, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}
	providers.SetGlobal()
	logger.Info("telemetry enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}, nil
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Gateway:   %s\n", cfg.Gateway.BaseURL)
	if cfg.Sweep.Interval > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Sweep:     every %s\n", cfg.Sweep.Interval)
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	stopTelemetry, err := setupTelemetry(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.closeTransports(); err != nil {
			logger.Warn("closing transports", "error", err)
		}
	}()

	if err := a.seedHealth(ctx); err != nil {
		a.store.Close()
		return err
	}

	srv, err := server.New(cfg, a.serverDeps(), logger)
	if err != nil {
		a.store.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	go a.runRelay(ctx)
	go a.monitor.Schedule(ctx)

	logger.Info("starting pairwatch",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"public_url", cfg.Server.PublicURL,
	)
	return srv.Run(ctx)
}

// runSweep performs one health sweep against the configured database and prints the result.
func runSweep(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.monitor.Run(ctx)
	if err != nil {
		return fmt.Errorf("running sweep: %w", err)
	}

	fmt.Printf("checked %d, changed %d, disconnected %d, failed %d, alerted %d in %s\n",
		res.Checked, res.Changed, res.Disconnected, res.Failed, res.Alerted, res.Duration.Round(time.Millisecond))
	if res.Failed > 0 {
		return fmt.Errorf("%d session checks failed", res.Failed)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("pairwatch configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	content, err := buildConfig(reader)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  pairwatch serve")
	return nil
}

// buildConfig asks for the settings a first deployment needs and renders them as YAML.
func buildConfig(reader *bufio.Reader) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address", "localhost:50051")
	publicURL := prompt(reader, "Public URL the gateway posts webhooks to", "http://"+httpAddr)

	fmt.Println("\n--- Database ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(dataPath(), "pairwatch.db"))

	fmt.Println("\n--- Messaging gateway ---")
	gatewayURL := prompt(reader, "Gateway base URL", "http://localhost:8081")
	gatewayKey := prompt(reader, "Gateway API key", "${PAIRWATCH_GATEWAY_API_KEY}")

	fmt.Println("\n--- Health sweep ---")
	sweepInterval := prompt(reader, "Sweep interval (0 to disable)", "5m")
	cooldown := prompt(reader, "Alert cooldown", config.DefaultAlertCooldown.String())

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var b strings.Builder
	b.WriteString("# pairwatch configuration\n")
	b.WriteString("# Generated by pairwatch init\n\n")
	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", httpAddr)
	if grpcAddr != "" {
		fmt.Fprintf(&b, "  grpc_addr: %q\n", grpcAddr)
	}
	fmt.Fprintf(&b, "  public_url: %q\n\n", publicURL)
	fmt.Fprintf(&b, "database:\n  path: %q\n\n", dbPath)
	fmt.Fprintf(&b, "auth:\n  jwt_secret: %q\n\n", base64.StdEncoding.EncodeToString(secret))
	b.WriteString("gateway:\n")
	fmt.Fprintf(&b, "  base_url: %q\n", gatewayURL)
	fmt.Fprintf(&b, "  api_key: %q\n", gatewayKey)
	b.WriteString("  timeout: \"5s\"\n\n")
	b.WriteString("pairing:\n  ttl: \"60s\"\n  poll_interval: \"5s\"\n\n")
	fmt.Fprintf(&b, "sweep:\n  interval: %q\n\n", sweepInterval)
	fmt.Fprintf(&b, "alert:\n  cooldown: %q\n\n", cooldown)
	fmt.Fprintf(&b, "logging:\n  level: %q\n  format: %q\n", logLevel, logFormat)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	return b.String(), nil
}

// dataPath returns XDG_DATA_HOME/pairwatch or ~/.local/share/pairwatch.
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "pairwatch")
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	if input = strings.TrimSpace(input); input == "" {
		return defaultVal
	}
	return input
}
