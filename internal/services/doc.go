// Package services defines shared utilities consumed by the orchestrator,
// worker pool, and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, worker slots, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent terminal job statuses.
//
// Use these helpers when wiring new lifecycle steps so error classification and
// observability stay uniform across the pipeline.
package services
