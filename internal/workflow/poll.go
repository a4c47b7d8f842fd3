package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"docqc/internal/converter"
	"docqc/internal/jobs"
	"docqc/internal/logging"
	"docqc/internal/notifications"
	"docqc/internal/reports"
	"docqc/internal/review"
	"docqc/internal/services"
	"docqc/internal/workerpool"
)

// PollNow checks every job awaiting the review service once. The cron
// schedule calls it on each tick; it is safe to call directly.
func (m *Manager) PollNow(ctx context.Context) {
	if m.review == nil || !m.review.IsConfigured() {
		return
	}
	awaiting, err := m.store.ListAwaiting(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("failed to list jobs awaiting review",
				logging.Error(err),
				logging.String(logging.FieldEventType, "poll_list_failed"),
				logging.String(logging.FieldErrorHint, "check job store access"),
			)
		}
		return
	}
	if len(awaiting) == 0 {
		return
	}

	reached := false
	for _, job := range awaiting {
		if ctx.Err() != nil {
			return
		}
		status, err := m.review.PollStatus(ctx, job.ExternalID)
		if err != nil {
			if errors.Is(err, services.ErrServiceUnavailable) {
				m.markOffline(ctx, err, awaiting)
				return
			}
			m.handlePollError(ctx, job, err)
			continue
		}
		reached = true
		switch status.State {
		case review.StatePending, review.StateProcessing:
			continue
		case review.StateFailed:
			reason := status.Error
			if reason == "" {
				reason = "review service reported failure"
			}
			m.fail(ctx, job.ID, services.Wrap(services.ErrExternalTool, "review", "poll", reason, nil))
		case review.StateCompleted:
			m.finalize(services.WithJobID(ctx, job.ID), job, status.Result)
		}
	}
	if reached {
		m.markOnline()
	}
}

func (m *Manager) handlePollError(ctx context.Context, job *jobs.Job, err error) {
	if errors.Is(err, services.ErrNotFound) {
		m.fail(ctx, job.ID, services.Wrap(services.ErrExternalTool, "review", "poll",
			fmt.Sprintf("review service no longer knows submission %s", job.ExternalID), err))
		return
	}
	logging.WarnWithContext(m.logger, "review status lookup failed; will retry next tick", "poll_failed",
		logging.JobID(job.ID),
		logging.String("external_id", job.ExternalID),
		logging.Error(err),
		logging.String(logging.FieldImpact, "job result is delayed"),
		logging.String(logging.FieldErrorHint, "check review service logs"),
	)
}

// markOffline records one deferred poll per awaiting job and alerts once per
// outage.
func (m *Manager) markOffline(ctx context.Context, cause error, awaiting []*jobs.Job) {
	for _, job := range awaiting {
		job.RetryCount++
		if err := m.store.UpdateUnchanged(ctx, job); err != nil && !isStaleWrite(err) {
			m.logger.Debug("could not record deferred poll", logging.JobID(job.ID), logging.Error(err))
		}
	}

	m.mu.Lock()
	first := !m.offline
	m.offline = true
	m.mu.Unlock()
	if !first {
		return
	}
	logging.WarnWithContext(m.logger, "review service offline; deferring status checks", "service_offline",
		logging.Error(cause),
		logging.Int("awaiting", len(awaiting)),
		logging.Alert("service_offline"),
		logging.String(logging.FieldImpact, "jobs stay in processing until the service returns"),
		logging.String(logging.FieldErrorHint, "check the review service is running and review.base_url"),
	)
	m.hub.publish(Update{Kind: UpdateService, ServiceOnline: false, Detail: services.Message(cause)})
	m.notify(ctx, notifications.EventServiceOffline, notifications.Payload{"detail": services.Message(cause)})
}

func (m *Manager) markOnline() {
	m.mu.Lock()
	was := m.offline
	m.offline = false
	m.mu.Unlock()
	if was {
		m.logger.Info("review service reachable again")
		m.hub.publish(Update{Kind: UpdateService, ServiceOnline: true})
	}
}

// finalize turns a completed review result into report files and a terminal
// status.
func (m *Manager) finalize(ctx context.Context, job *jobs.Job, raw json.RawMessage) {
	logger := logging.WithContext(ctx, m.logger)
	stageCtx := services.WithStage(ctx, string(jobs.StatusDownloading))

	if job.Status == jobs.StatusProcessing {
		next, err := m.transition(stageCtx, job.ID, jobs.Event{Kind: jobs.EventDownload})
		if err != nil {
			if isStaleWrite(err) {
				logger.Debug("another writer is finalizing this job", logging.Error(err))
				return
			}
			m.setLastError(err)
			return
		}
		job = next
	}

	summary, err := reports.ParseResult(raw)
	if err != nil {
		m.fail(stageCtx, job.ID, services.Wrap(services.ErrExternalTool, "downloading", "parse result", "", err))
		return
	}
	reportPath, err := reports.Save(m.cfg.Paths.ReportsDir, job.ID, summary.Report)
	if err != nil {
		m.fail(stageCtx, job.ID, services.Wrap(services.ErrTransient, "downloading", "save report", "", err))
		return
	}

	issues, hasSeverity, score := summary.Issues, summary.HasSeverity, summary.Score
	if parsed, err := m.parseReport(stageCtx, reportPath); err != nil {
		logging.WarnWithContext(logger, "report parse worker failed; using in-process counts", "report_parse_fallback",
			logging.Error(err),
			logging.String(logging.FieldImpact, "issue counts come from the raw payload"),
			logging.String(logging.FieldErrorHint, "check parse-report worker logs"),
		)
	} else if parsed.HasSeverity {
		issues, hasSeverity = parsed.Issues, true
		if score == nil {
			score = parsed.Score
		}
	}

	if !hasSeverity {
		done, err := m.transition(stageCtx, job.ID, jobs.Event{
			Kind:       jobs.EventNeedsVerification,
			ReportPath: reportPath,
			Score:      score,
		})
		if err != nil {
			m.finalizeWriteFailed(logger, err)
			return
		}
		logger.Info("review result carried no severity information; manual verification required",
			logging.String("report", reportPath))
		m.completed(ctx, done)
		return
	}

	finalPath := filepath.Join(reports.Dir(m.cfg.Paths.ReportsDir, job.ID), reports.FinalName)
	if _, err := m.pool.Dispatch(stageCtx, workerpool.TaskConvertReport, converter.ReportRequest{
		Input:  reportPath,
		Output: finalPath,
	}, nil); err != nil {
		failed, terr := m.transition(stageCtx, job.ID, jobs.Event{
			Kind:       jobs.EventReportConversionFailed,
			ReportPath: reportPath,
			Issues:     issues,
			Score:      score,
			Message:    "report conversion failed: " + services.Message(err),
		})
		if terr != nil {
			m.finalizeWriteFailed(logger, terr)
			return
		}
		logger.Error("report format conversion failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "report_conversion_failed"),
			logging.String(logging.FieldErrorHint, "check converter.report_command; the markdown report is kept"),
		)
		m.recordHistory(ctx, failed, failed.ErrorMessage)
		m.notify(ctx, notifications.EventJobFailed, notifications.Payload{
			"name":  failed.DisplayName(),
			"error": failed.ErrorMessage,
			"jobId": failed.ID,
		})
		return
	}

	done, err := m.transition(stageCtx, job.ID, jobs.Event{
		Kind:            jobs.EventComplete,
		ReportPath:      reportPath,
		FinalReportPath: finalPath,
		Issues:          issues,
		Score:           score,
	})
	if err != nil {
		m.finalizeWriteFailed(logger, err)
		return
	}
	logger.Info("review completed",
		logging.Int("issues_found", done.Issues.Found),
		logging.Int("issues_high", done.Issues.High),
		logging.String("report", finalPath),
	)
	m.completed(ctx, done)
}

func (m *Manager) parseReport(ctx context.Context, path string) (reports.Summary, error) {
	raw, err := m.pool.Dispatch(ctx, workerpool.TaskParseReport, converter.ParseRequest{
		Mode: converter.ParseReport,
		Path: path,
	}, nil)
	if err != nil {
		return reports.Summary{}, err
	}
	var resp converter.ParseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return reports.Summary{}, fmt.Errorf("decode parse result: %w", err)
	}
	if resp.Summary == nil {
		return reports.Summary{}, errors.New("parse worker returned no summary")
	}
	return *resp.Summary, nil
}

func (m *Manager) completed(ctx context.Context, job *jobs.Job) {
	m.recordHistory(ctx, job, "completed")
	m.notify(ctx, notifications.EventJobCompleted, notifications.Payload{
		"name":   job.DisplayName(),
		"found":  job.Issues.Found,
		"status": string(job.Status),
		"jobId":  job.ID,
	})
}

func (m *Manager) finalizeWriteFailed(logger *slog.Logger, err error) {
	if isStaleWrite(err) {
		logger.Debug("job finalized by another writer", logging.Error(err))
		return
	}
	logger.Error("failed to persist review outcome",
		logging.Error(err),
		logging.String(logging.FieldEventType, "finalize_persist_failed"),
		logging.String(logging.FieldErrorHint, "check job store access"),
	)
	m.setLastError(err)
}
