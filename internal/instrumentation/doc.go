// Package instrumentation wires OpenTelemetry metrics for the server.
//
// Metrics are exported via Prometheus (default), OTLP, or stdout, selected
// through environment variables. When disabled, every recorder method is a
// no-op so callers never need to branch on whether metrics are active.
package instrumentation
