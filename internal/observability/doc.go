// Package observability configures process-wide structured logging.
//
// Instrument installs a log/slog default logger writing text or JSON to
// stderr. When an exporter is selected, records are additionally bridged to an
// OpenTelemetry LoggerProvider (stdout, OTLP/gRPC or OTLP/HTTP). OTLP
// exporters read the standard OTEL_EXPORTER_OTLP_* environment variables.
package observability
