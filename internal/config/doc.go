// Package config loads, normalizes, and validates docqc configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// DOCQC_REVIEW_API_KEY. The Config type centralizes every knob the daemon,
// worker processes, and CLI need, so watch roots, lock timeouts, worker
// supervision limits, and review service credentials are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
