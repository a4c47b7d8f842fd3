// Package workerpool runs blocking conversion tasks on supervised worker
// processes.
//
// Each worker slot serves exactly one TaskType and speaks newline-delimited
// JSON Messages over its stdin/stdout. The Pool keeps a FIFO of pending
// requests, hands each to the first idle slot of the matching type, and
// restarts slots that crash up to a capped number of times per rolling
// window; a slot that exceeds the cap is disabled and reported through the
// OnEvent callback. Dispatch timeouts abandon the caller's wait without
// touching the worker, so a slow task can still finish and free its slot.
//
// The worker side lives in Serve, which the docqc binary calls when started
// with the worker subcommand. FuncLauncher runs Serve in-process for tests.
package workerpool
