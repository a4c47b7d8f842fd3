// Package notifications delivers pipeline events to operators.
//
// The default implementation publishes to ntfy using the topic configured in
// the [notifications] section and degrades to a no-op when no topic is set.
// Each event kind has its own on/off toggle. Delivery is fire-and-forget from
// the orchestrator's point of view: a failed publish is logged by the caller
// and never changes a job's outcome.
package notifications
