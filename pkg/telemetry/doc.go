// Package telemetry wires OpenTelemetry tracing and metrics plus the
// Prometheus registry the enhancement service exposes.
//
// It centralises trace provider setup, applies service resource attributes,
// and offers enrichment helpers that attach strategy, policy and security
// metadata to spans without leaking document content.
package telemetry
