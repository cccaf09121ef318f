// ABOUTME: Tests for server lifecycle over real TCP listeners
// ABOUTME: Checks probes, the gRPC session health service and shutdown on cancel

package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/pairwatch/internal/config"
	"github.com/2389/pairwatch/internal/fanout"
	"github.com/2389/pairwatch/internal/store"
)

// freeAddr finds an available loopback port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(&config.Config{}, Deps{Store: store.NewMockStore()}, nil)
	assert.Error(t, err)
}

func TestRunAndShutdown(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.config.Server.HTTPAddr = freeAddr(t)
	ts.srv.config.Server.GRPCAddr = freeAddr(t)
	ts.srv.httpServer.Addr = ts.srv.config.Server.HTTPAddr

	ts.srv.deps.Health.Seed([]*store.Session{
		{GatewayName: "tclinic-1", Status: store.StatusConnected},
		{GatewayName: "tclinic-2", Status: store.StatusDisconnected},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ts.srv.Run(ctx) }()

	healthURL := "http://" + ts.srv.config.Server.HTTPAddr + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "OK"
	}, 2*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(ts.srv.config.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	hc := healthpb.NewHealthClient(conn)
	resp, err := hc.Check(t.Context(), &healthpb.HealthCheckRequest{Service: fanout.ServiceName("tclinic-1")})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = hc.Check(t.Context(), &healthpb.HealthCheckRequest{Service: fanout.ServiceName("tclinic-2")})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/pairwatch/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pairwatch/ts", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, "pairwatch")
}
