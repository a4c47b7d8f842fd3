// Package lockmgr provides cross-host mutual exclusion for source files using
// lock records stored next to the watched files.
//
// Each record is a small JSON file under <base>/<dir name> keyed by the
// normalized source path. Records older than the stale timeout, and records
// that cannot be parsed, are treated as absent and removed by the next sweep.
// An advisory flock on a guard file serializes sweep-then-create within one
// base directory so two local processes do not race the same record.
package lockmgr
