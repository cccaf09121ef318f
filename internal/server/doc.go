// ABOUTME: Package server exposes pairwatch over HTTP and gRPC
// ABOUTME: Owns listeners (TCP or tailnet), the REST API, webhook intake and the websocket stream

// Package server hosts the pairwatch control plane.
//
// The HTTP side carries the tenant-scoped session API under /api, the
// unauthenticated gateway webhook intake under /webhooks/gateway/{name}, the
// websocket change stream at /ws and liveness/readiness probes. The gRPC side
// serves grpc.health.v1.Health with one service per gateway session, so load
// balancers and fleet tooling can watch session health without a JWT.
//
// Listeners are plain TCP unless tailscale is enabled, in which case both
// servers listen on a tsnet node. Funnel gives the gateway a public HTTPS
// ingress for its webhook posts.
package server
