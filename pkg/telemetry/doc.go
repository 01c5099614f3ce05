// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the Skiff orchestration core.
//
// The Logger wraps zerolog with helpers for the identifiers that flow through
// every orchestration path (request_id, project, slot). Components receive a
// child logger via NewComponentLogger and enrich it per command:
//
//	log := logger.NewComponentLogger("deployer").
//		WithRequestID(cmd.RequestID).
//		WithProject(cmd.ProjectSlug)
//	log.Info("starting deployment")
//
// Metrics and Tracer are both safe to construct disabled; every recording
// method is then a no-op, so call sites never need to branch on configuration.
package telemetry
