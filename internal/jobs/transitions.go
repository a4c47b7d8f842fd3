package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition indicates an event that is not allowed from the job's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// EventKind names a lifecycle event.
type EventKind string

const (
	EventValidate               EventKind = "validate"
	EventMerge                  EventKind = "merge"
	EventConvert                EventKind = "convert"
	EventConverted              EventKind = "converted"
	EventSubmit                 EventKind = "submit"
	EventSubmitted              EventKind = "submitted"
	EventDownload               EventKind = "download"
	EventComplete               EventKind = "complete"
	EventNeedsVerification      EventKind = "needs_verification"
	EventReportConversionFailed EventKind = "report_conversion_failed"
	EventFail                   EventKind = "fail"
	EventRetry                  EventKind = "retry"
)

// Event carries the data attached to a lifecycle step.
type Event struct {
	Kind EventKind
	At   time.Time

	// Agent identifies the claimant (user@host) on EventValidate.
	Agent string
	// ArtifactPath is set by EventConverted.
	ArtifactPath string
	// ExternalID is set by EventSubmitted.
	ExternalID string
	// ReportPath and FinalReportPath are set by the download/finish events.
	ReportPath      string
	FinalReportPath string
	Issues          IssueCounts
	Score           *float64
	// Status selects the failure status for EventFail; defaults to StatusFailed.
	Status  Status
	Message string
}

type transitionRule struct {
	from []Status
	to   Status
}

var transitionRules = map[EventKind]transitionRule{
	EventValidate:               {from: []Status{StatusQueued}, to: StatusValidating},
	EventMerge:                  {from: []Status{StatusValidating}, to: StatusMerging},
	EventConvert:                {from: []Status{StatusQueued, StatusValidating, StatusMerging}, to: StatusConverting},
	EventConverted:              {from: []Status{StatusConverting}, to: StatusConverted},
	EventSubmit:                 {from: []Status{StatusConverted}, to: StatusSubmitting},
	EventSubmitted:              {from: []Status{StatusSubmitting}, to: StatusProcessing},
	EventDownload:               {from: []Status{StatusProcessing}, to: StatusDownloading},
	EventComplete:               {from: []Status{StatusDownloading}, to: StatusCompleted},
	EventNeedsVerification:      {from: []Status{StatusDownloading}, to: StatusPendingVerification},
	EventReportConversionFailed: {from: []Status{StatusDownloading}, to: StatusConversionFailed},
}

// Apply returns the job that results from applying ev to job. It performs no
// I/O; callers persist the result. Every transition stamps UpdatedAt, sets
// CompletedAt when entering a terminal status, and clears it otherwise.
func Apply(job Job, ev Event) (Job, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	next := job
	switch ev.Kind {
	case EventFail:
		if job.Status.IsTerminal() {
			return job, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Kind, job.Status)
		}
		target := ev.Status
		if target == "" {
			target = StatusFailed
		}
		if !target.IsFailure() {
			return job, fmt.Errorf("%w: %s is not a failure status", ErrInvalidTransition, target)
		}
		message := strings.TrimSpace(ev.Message)
		if message == "" {
			message = "failed without a reported cause"
		}
		next.Status = target
		next.ErrorMessage = message
	case EventRetry:
		if !job.Status.IsFailure() {
			return job, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Kind, job.Status)
		}
		next.Status = StatusQueued
		next.ErrorMessage = ""
		next.ExternalID = ""
		next.RetryCount = 0
		next.SubmittedAt = nil
		next.ArtifactPath = ""
		next.ReportPath = ""
		next.FinalReportPath = ""
		next.Issues = IssueCounts{}
		next.Score = nil
	default:
		rule, ok := transitionRules[ev.Kind]
		if !ok {
			return job, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
		}
		if !containsStatus(rule.from, job.Status) {
			return job, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Kind, job.Status)
		}
		next.Status = rule.to
		if err := applyPayload(&next, ev, at); err != nil {
			return job, err
		}
	}

	if next.Status.IsTerminal() {
		stamp := at
		next.CompletedAt = &stamp
	} else {
		next.CompletedAt = nil
	}
	next.UpdatedAt = at
	return next, nil
}

func applyPayload(job *Job, ev Event, at time.Time) error {
	switch ev.Kind {
	case EventValidate:
		if agent := strings.TrimSpace(ev.Agent); agent != "" {
			job.ProcessedBy = agent
		}
	case EventConverted:
		if strings.TrimSpace(ev.ArtifactPath) == "" {
			return fmt.Errorf("%w: converted event requires an artifact path", ErrInvalidTransition)
		}
		job.ArtifactPath = ev.ArtifactPath
	case EventSubmitted:
		if strings.TrimSpace(ev.ExternalID) == "" {
			return fmt.Errorf("%w: submitted event requires an external id", ErrInvalidTransition)
		}
		job.ExternalID = ev.ExternalID
		stamp := at
		job.SubmittedAt = &stamp
	case EventDownload:
		if ev.ReportPath != "" {
			job.ReportPath = ev.ReportPath
		}
	case EventComplete, EventNeedsVerification, EventReportConversionFailed:
		if ev.ReportPath != "" {
			job.ReportPath = ev.ReportPath
		}
		if ev.FinalReportPath != "" {
			job.FinalReportPath = ev.FinalReportPath
		}
		job.Issues = ev.Issues
		job.Score = ev.Score
		if ev.Kind == EventReportConversionFailed {
			message := strings.TrimSpace(ev.Message)
			if message == "" {
				message = "report format conversion failed"
			}
			job.ErrorMessage = message
		} else {
			job.ErrorMessage = ""
		}
		if ev.Kind == EventComplete && strings.TrimSpace(job.ReportPath) == "" {
			return fmt.Errorf("%w: complete event requires a report path", ErrInvalidTransition)
		}
	}
	return nil
}

func containsStatus(list []Status, status Status) bool {
	for _, candidate := range list {
		if candidate == status {
			return true
		}
	}
	return false
}
