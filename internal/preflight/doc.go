// Package preflight provides readiness checks for the directories, converter
// binaries and review service that docqc depends on.
//
// The CLI "docqc preflight" command runs RunAll and exits non-zero when a
// required check fails. Individual checks are exported for status output.
package preflight
