// ABOUTME: Server lifecycle coordinating the gRPC health server and the HTTP API
// ABOUTME: Sets up TCP or tailnet listeners, runs both servers and shuts them down together

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/pairwatch/internal/auth"
	"github.com/2389/pairwatch/internal/config"
	"github.com/2389/pairwatch/internal/fanout"
	"github.com/2389/pairwatch/internal/pairing"
	"github.com/2389/pairwatch/internal/recovery"
	"github.com/2389/pairwatch/internal/statussync"
	"github.com/2389/pairwatch/internal/store"
	"github.com/2389/pairwatch/internal/sweep"
)

// Deps are the components the server exposes. Store is closed on Shutdown.
type Deps struct {
	Store    store.Store
	Sessions *pairing.Controller
	Sync     *statussync.Synchronizer
	Monitor  *sweep.Monitor
	Recovery *recovery.Trigger
	Hub      *fanout.Hub
	Health   *fanout.HealthMirror
	Verifier auth.TokenVerifier
}

// Server runs the pairwatch HTTP and gRPC servers.
type Server struct {
	config      *config.Config
	deps        Deps
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// watchCtx bounds the status watches started for websocket observers.
	watchCtx    context.Context
	watchCancel context.CancelFunc
	watches     sync.WaitGroup
}

// New creates a Server. Pass nil logger for default.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil || deps.Sessions == nil || deps.Sync == nil {
		return nil, errors.New("server requires a store, a pairing controller and a synchronizer")
	}
	if deps.Verifier == nil {
		return nil, errors.New("server requires a token verifier")
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	s := &Server{
		config:      cfg,
		deps:        deps,
		grpcServer:  newGRPCServer(),
		logger:      logger.With("component", "server"),
		watchCtx:    watchCtx,
		watchCancel: watchCancel,
	}

	if deps.Health != nil {
		healthpb.RegisterHealthServer(s.grpcServer, deps.Health.Server())
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Probes and gateway pushes carry no JWT
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("POST /webhooks/gateway/{name}", s.handleGatewayWebhook)

	authn := auth.HTTPAuthMiddleware(s.deps.Verifier)
	admin := func(h http.HandlerFunc) http.Handler {
		return authn(auth.RequireAdminHTTP()(h))
	}

	mux.Handle("GET /api/sessions", authn(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("POST /api/sessions", authn(http.HandlerFunc(s.handleConnect)))
	mux.Handle("GET /api/sessions/select", authn(http.HandlerFunc(s.handleSelectSession)))
	mux.Handle("GET /api/sessions/{id}", authn(http.HandlerFunc(s.handleGetSession)))
	mux.Handle("DELETE /api/sessions/{id}", authn(http.HandlerFunc(s.handleDeleteSession)))
	mux.Handle("POST /api/sessions/{id}/pairing", authn(http.HandlerFunc(s.handleRefreshPairing)))
	mux.Handle("POST /api/sessions/{id}/refresh", authn(http.HandlerFunc(s.handleRefreshStatus)))
	mux.Handle("POST /api/sessions/{id}/disconnect", authn(http.HandlerFunc(s.handleDisconnect)))
	mux.Handle("GET /api/sessions/{id}/transitions", authn(http.HandlerFunc(s.handleTransitions)))
	mux.Handle("GET /api/webhook-events", authn(http.HandlerFunc(s.handleWebhookEvents)))

	mux.Handle("POST /api/admin/sweep", admin(s.handleSweep))
	mux.Handle("POST /api/admin/restart-gateway", admin(s.handleRestartGateway))
	mux.Handle("GET /api/admin/alert-config", admin(s.handleGetAlertConfig))
	mux.Handle("PUT /api/admin/alert-config", admin(s.handlePutAlertConfig))

	if s.deps.Hub != nil {
		mux.Handle("GET /ws", authn(http.HandlerFunc(s.handleWebsocket)))
	}

	return mux
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if s.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
// A nil gRPC listener means the health service is not served.
func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.GRPCAddr != "" || s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", s.config.Server.GRPCAddr,
				"http_addr", s.config.Server.HTTPAddr,
			)
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := s.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
		select {
		case additional := <-errCh:
			s.logger.Error("additional server error", "error", additional)
		default:
		}
	}

	// the run context is already done, so shutdown gets a fresh one
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "pairwatch", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners brings up a tsnet node and listens on it. gRPC
// stays tailnet-only; HTTP may be exposed through Funnel for gateway webhooks.
func (s *Server) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = s.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = s.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = s.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if dnsName != "" && s.config.Server.PublicURL == "" {
		s.logger.Warn("server.public_url is unset; gateway webhooks need an address the gateway can reach", "dns_name", dnsName)
	}
}

func (s *Server) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		s.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := s.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := s.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops both servers, ends observer watches and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	if s.deps.Health != nil {
		s.deps.Health.Shutdown()
	}
	s.shutdownGRPCServer(ctx)

	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	s.watchCancel()
	s.watches.Wait()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.deps.Store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Store.ListAllSessions(r.Context())
	if err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", len(sessions))
}
