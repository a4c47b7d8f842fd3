package services

import (
	"errors"
	"fmt"
	"strings"

	"docqc/internal/jobs"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")

	ErrLockConflict       = errors.New("lock conflict")
	ErrWorkerCrash        = errors.New("worker crashed")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrPoolShuttingDown   = errors.New("pool shutting down")
	ErrNumbering          = errors.New("numbering error")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later status classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FailureStatus maps a stage error to the terminal job status the orchestrator
// should persist after the stage fails.
func FailureStatus(err error) jobs.Status {
	switch {
	case errors.Is(err, ErrNumbering):
		return jobs.StatusNumberingFailed
	default:
		return jobs.StatusFailed
	}
}

// Message returns a non-empty human readable message for err.
func Message(err error) string {
	if err == nil {
		return "unknown error"
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return "unknown error"
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
