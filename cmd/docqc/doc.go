// Package main hosts the docqc CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon, serves as the worker process the
// daemon's pool launches, and offers job, lock and configuration maintenance
// against the shared job store. Commands that change job state go through a
// running daemon's API so the orchestrator stays the only writer of active
// jobs; with no daemon running they act on the store directly.
package main
