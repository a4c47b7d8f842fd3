// Package review is the client for the external review service.
//
// Submit uploads a converted artifact as multipart form data and returns the
// service's job id; transient failures (timeouts, 408/429/5xx, connection
// errors) are retried with capped exponential backoff. PollStatus performs a
// single status lookup and never retries, since the orchestrator's poll tick
// already repeats it. Connection-refused errors are tagged with
// services.ErrServiceUnavailable so callers can tell an offline service from
// a failed job. All requests pass through a token-bucket limiter.
package review
