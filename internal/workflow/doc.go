// Package workflow is the orchestrator that drives each document job through
// its fixed lifecycle.
//
// The Manager admits document-ready events (creating, resetting or skipping
// store rows so a path never has two active jobs), keeps an in-memory FIFO
// drained under a concurrency ceiling, and runs the local leg of every job
// under a filesystem lock: validate, optionally merge, convert, check
// numbering, submit. A cron-scheduled poll then walks every job awaiting the
// review service and finalizes completed results (report persistence,
// severity parsing, report-format conversion).
//
// Only the Manager writes status transitions. All of them go through
// jobs.Store.Transition, so concurrent hosts sharing one store race safely.
package workflow
