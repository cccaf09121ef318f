// Package telemetry wires OpenTelemetry tracing and metrics for pairwatch.
//
// NewProviders builds a TracerProvider and MeterProvider that export over OTLP
// gRPC. With no endpoint the providers are local only and Shutdown is a no-op.
// SetGlobal installs them so package-level otel.Tracer and otel.Meter calls
// (the gateway client spans, sweep counters) pick them up.
package telemetry
