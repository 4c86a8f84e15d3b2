// Package telemetry wires OpenTelemetry tracing and metrics for knowledged.
//
// Telemetry is disabled by default. When enabled, traces and metrics are
// exported over OTLP (grpc or http/protobuf) to a collector. Exporter
// failures leave the instance degraded but never stop the service.
//
// Packages instrument themselves through the global providers:
//
//	tracer := otel.Tracer("knowledged.knowledge")
//	ctx, span := tracer.Start(ctx, "Store.ImportRaw")
//	defer span.End()
//
// New installs the configured providers as the globals.
package telemetry
