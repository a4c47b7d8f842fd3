package workflow

import (
	"context"
	"fmt"

	"docqc/internal/jobs"
	"docqc/internal/logging"
	"docqc/internal/notifications"
	"docqc/internal/workerpool"
)

const interruptedMessage = "interrupted before completion"

// Recover re-queues work left behind by a previous run: jobs this host had
// claimed mid-leg are failed as interrupted and reset, and every queued job
// goes back on the in-memory queue.
func (m *Manager) Recover(ctx context.Context) error {
	identity := m.locks.Identity()
	local, err := m.store.ListByStatus(ctx,
		jobs.StatusValidating, jobs.StatusMerging, jobs.StatusConverting, jobs.StatusConverted, jobs.StatusSubmitting)
	if err != nil {
		return fmt.Errorf("list interrupted jobs: %w", err)
	}
	recovered := 0
	for _, job := range local {
		if job.ProcessedBy != identity {
			continue
		}
		if _, err := m.store.Transition(ctx, job.ID, jobs.Event{Kind: jobs.EventFail, Message: interruptedMessage}); err != nil {
			if isStaleWrite(err) {
				continue
			}
			return fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
		if _, err := m.store.Transition(ctx, job.ID, jobs.Event{Kind: jobs.EventRetry}); err != nil {
			if isStaleWrite(err) {
				continue
			}
			return fmt.Errorf("reset interrupted job %s: %w", job.ID, err)
		}
		if _, err := m.locks.ReleaseOwned(ctx, m.lockBase(job.FilePath), job.ID, job.FilePath); err != nil {
			m.logger.Warn("could not clear lock left by interrupted job",
				logging.JobID(job.ID),
				logging.Error(err),
				logging.String(logging.FieldEventType, "lock_release_failed"),
				logging.String(logging.FieldImpact, "the job waits until the lock goes stale"),
			)
		}
		recovered++
	}

	queued, err := m.store.ListByStatus(ctx, jobs.StatusQueued)
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}
	for _, job := range queued {
		m.enqueue(job.ID)
	}
	if recovered > 0 || len(queued) > 0 {
		m.logger.Info("recovered jobs from previous run",
			logging.Int("interrupted", recovered),
			logging.Int("queued", len(queued)),
		)
	}
	return nil
}

// HandleWorkerEvent forwards pool supervision events to telemetry and, for
// disabled slots, to operators.
func (m *Manager) HandleWorkerEvent(ev workerpool.Event) {
	event := ev
	m.hub.publish(Update{Kind: UpdateWorker, Worker: &event})
	if ev.Kind != workerpool.EventWorkerFailed {
		return
	}
	worker := fmt.Sprintf("%s#%d", ev.Type, ev.Slot)
	detail := "restart limit exceeded"
	if ev.Err != nil {
		detail = ev.Err.Error()
	}
	m.notify(context.Background(), notifications.EventWorkerFailed, notifications.Payload{
		"worker": worker,
		"detail": detail,
	})
}
