// ABOUTME: Mirrors session connection status into a gRPC health server
// ABOUTME: Service "session/<gateway name>" is SERVING exactly while the session is connected

package fanout

import (
	"log/slog"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/pairwatch/internal/store"
)

// HealthMirror keeps a grpc health.Server in step with session status so
// external probes can watch individual sessions.
type HealthMirror struct {
	server *health.Server
	logger *slog.Logger
}

// NewHealthMirror creates a mirror with its own health server. The overall
// ("") service starts SERVING.
func NewHealthMirror(logger *slog.Logger) *HealthMirror {
	if logger == nil {
		logger = slog.Default()
	}
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthMirror{
		server: srv,
		logger: logger.With("component", "health-mirror"),
	}
}

// ServiceName is the health service name for a session.
func ServiceName(gatewayName string) string {
	return "session/" + gatewayName
}

// Server returns the health server to register on a grpc.Server.
func (h *HealthMirror) Server() *health.Server {
	return h.server
}

// Seed sets the initial status of every known session.
func (h *HealthMirror) Seed(sessions []*store.Session) {
	for _, s := range sessions {
		h.server.SetServingStatus(ServiceName(s.GatewayName), servingStatus(s.Status))
	}
	h.logger.Debug("health mirror seeded", "sessions", len(sessions))
}

// Publish applies a change.
func (h *HealthMirror) Publish(c Change) {
	status := servingStatus(c.Status)
	if c.Kind == ChangeDelete {
		status = healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	h.server.SetServingStatus(ServiceName(c.GatewayName), status)
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthMirror) Shutdown() {
	h.server.Shutdown()
}

func servingStatus(s store.Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == store.StatusConnected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
