// Package jobs persists QC jobs in SQLite and defines their lifecycle.
//
// Apply is the pure transition function: it validates an Event against the
// job's current Status and returns the next Job without I/O. The Store wraps
// the shared database file that several hosts may open at once; a partial
// unique index keeps at most one non-terminal job per source path, and
// Transition uses a status compare-and-set so concurrent writers cannot
// overwrite each other's steps.
//
// Timestamps are stored as fixed-width UTC strings. Schema changes bump the
// version in schema.go; users move the database aside to adopt the new schema.
package jobs
