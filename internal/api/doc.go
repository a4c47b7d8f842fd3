// Package api serves the docqc jobs API over HTTP and translates internal
// job models into transport-friendly DTOs.
//
// # Routes
//
// GET /health, GET|POST /api/jobs, GET|DELETE /api/jobs/{id},
// POST /api/jobs/{id}/retry, GET /api/jobs/{id}/report, GET /api/stats,
// POST /api/batches, GET /api/batches/{id} and GET /api/events (websocket).
//
// Writes go through the orchestrator so admission stays the single path into
// the queue; the API never writes job status directly. Reads go to the store.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Statuses are lowercase strings. Timestamps
// use RFC3339 with milliseconds. When [api] token is set every route except
// /health requires "Authorization: Bearer <token>".
package api
