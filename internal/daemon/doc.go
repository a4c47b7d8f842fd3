// Package daemon is the explicit runtime context of a docqc process.
//
// It constructs the job store, worker pool, lock manager, review client,
// orchestrator, file detector and jobs API once, starts them in dependency
// order and stops them in reverse. A flock on the state directory keeps a
// second daemon from sharing the same store.
//
// Keep orchestration logic out of here: admission and the job lifecycle live
// in the workflow package, and the daemon only handles startup, shutdown and
// wiring.
package daemon
