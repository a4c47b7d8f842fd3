package workflow

import (
	"context"
	"errors"
	"time"

	"docqc/internal/jobs"
	"docqc/internal/logging"
	"docqc/internal/notifications"
	"docqc/internal/services"
)

const persistTimeout = 10 * time.Second

// fail moves the job to the failure status matching err and persists the
// message before anything is surfaced outward. It runs detached from ctx's
// cancellation so shutdown interruptions are recorded too.
func (m *Manager) fail(ctx context.Context, id string, cause error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	logger := logging.WithContext(ctx, m.logger)

	message := services.Message(cause)
	status := services.FailureStatus(cause)
	job, err := m.store.Transition(persistCtx, id, jobs.Event{Kind: jobs.EventFail, Status: status, Message: message})
	if err != nil {
		if isStaleWrite(err) {
			logger.Info("job already left the failing step; failure not recorded",
				logging.Error(cause),
				logging.String("reason", err.Error()),
			)
			return
		}
		logger.Error("failed to persist job failure",
			logging.Error(err),
			logging.String("cause", message),
			logging.String(logging.FieldEventType, "failure_persist_failed"),
			logging.String(logging.FieldErrorHint, "check job store access"),
		)
		m.setLastError(err)
		return
	}

	attrs := []logging.Attr{
		logging.String("status", string(job.Status)),
		logging.String("error_message", message),
		logging.Alert("job_failure"),
		logging.String(logging.FieldEventType, "job_failed"),
		logging.String(logging.FieldErrorHint, failureHint(cause)),
	}
	if errors.Is(cause, services.ErrLockConflict) {
		logger.Warn("job skipped; file locked elsewhere", logging.Args(attrs...)...)
	} else {
		logger.Error("job failed", logging.Args(attrs...)...)
	}
	m.setLastError(cause)
	m.publishJob(job)
	m.recordHistory(persistCtx, job, message)
	m.notify(persistCtx, notifications.EventJobFailed, notifications.Payload{
		"name":  job.DisplayName(),
		"error": message,
		"jobId": job.ID,
	})
}

func failureHint(err error) string {
	switch {
	case errors.Is(err, services.ErrLockConflict):
		return "wait for the other claimant to finish, then retry the job"
	case errors.Is(err, services.ErrNumbering):
		return "fix the question numbering in the source document and save it again"
	case errors.Is(err, services.ErrConfiguration):
		return "check the [review] section of the config"
	case errors.Is(err, services.ErrValidation):
		return "check the source files exist, are not empty and have a supported extension"
	case errors.Is(err, services.ErrTimeout), errors.Is(err, services.ErrWorkerCrash):
		return "check the converter command and worker logs"
	case errors.Is(err, services.ErrServiceUnavailable):
		return "check the review service is reachable"
	default:
		return "inspect the job error and retry"
	}
}

func (m *Manager) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := m.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(m.logger, "notification delivery failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "operators were not alerted"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}

// recordHistory appends a batch audit row for jobs that belong to a batch.
func (m *Manager) recordHistory(ctx context.Context, job *jobs.Job, note string) {
	if job == nil || job.BatchID == "" {
		return
	}
	attempt := 1
	if history, err := m.store.BatchHistory(ctx, job.BatchID); err == nil {
		for _, entry := range history {
			if entry.JobID == job.ID && entry.Note == "admitted" {
				attempt++
			}
		}
		if note != "admitted" && attempt > 1 {
			attempt--
		}
	}
	if err := m.store.AppendBatchHistory(ctx, jobs.BatchHistoryEntry{
		BatchID: job.BatchID,
		JobID:   job.ID,
		Status:  job.Status,
		Attempt: attempt,
		Note:    note,
	}); err != nil {
		logging.WarnWithContext(m.logger, "failed to append batch history", "batch_history_failed",
			logging.JobID(job.ID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the batch audit trail is missing an entry"),
			logging.String(logging.FieldErrorHint, "check job store access"),
		)
	}
}
