package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docqc/internal/converter"
	"docqc/internal/fileutil"
	"docqc/internal/jobs"
	"docqc/internal/logging"
	"docqc/internal/services"
	"docqc/internal/workerpool"
)

// claimGrace is how long a lock another runner holds for the same job is
// trusted to be followed by that runner's own transition out of QUEUED.
const claimGrace = 30 * time.Second

// runJob executes the local leg of one queued job under its file lock.
func (m *Manager) runJob(ctx context.Context, id string) {
	ctx = services.WithJobID(ctx, id)
	logger := logging.WithContext(ctx, m.logger)

	job, err := m.store.GetByID(ctx, id)
	if err != nil {
		logger.Error("failed to load queued job", logging.Error(err),
			logging.String(logging.FieldEventType, "job_load_failed"),
			logging.String(logging.FieldErrorHint, "check job store access"),
		)
		m.setLastError(err)
		return
	}
	if job == nil || job.Status != jobs.StatusQueued {
		logger.Debug("queued job no longer pending; skipping")
		return
	}

	base := m.lockBase(job.FilePath)
	result, err := m.locks.Acquire(ctx, base, job.ID, job.FilePath)
	if err != nil {
		m.fail(ctx, job.ID, services.Wrap(services.ErrTransient, "locking", "acquire", "", err))
		return
	}
	if !result.Acquired {
		holder := result.Holder
		if holder != nil && holder.JobID == job.ID && time.Since(holder.AcquiredAt()) < claimGrace {
			logger.Info("job claimed by another runner; skipping",
				logging.String("holder", holder.ProcessedBy),
				logging.String("holder_host", holder.Hostname),
			)
			return
		}
		message := "file is locked by another claimant"
		if holder != nil {
			message = fmt.Sprintf("file is being processed by %s on %s since %s",
				holder.ProcessedBy, holder.Hostname, holder.AcquiredAt().UTC().Format(time.RFC3339))
		}
		m.fail(ctx, job.ID, services.Wrap(services.ErrLockConflict, "locking", "acquire", message, nil))
		return
	}
	if result.Created {
		defer m.releaseLock(ctx, base, job)
	}

	if err := m.localLeg(ctx, job); err != nil {
		if isStaleWrite(err) {
			logger.Info("job changed underneath the local leg; abandoning run", logging.Error(err))
			return
		}
		if ctx.Err() != nil {
			err = services.Wrap(services.ErrTransient, "workflow", "run", "interrupted by shutdown", err)
		}
		m.fail(ctx, job.ID, err)
	}
}

// releaseLock drops the lock for job only while it is still ours.
func (m *Manager) releaseLock(ctx context.Context, base string, job *jobs.Job) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := m.locks.ReleaseOwned(releaseCtx, base, job.ID, job.FilePath); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, m.logger), "failed to release file lock", "lock_release_failed",
			logging.FilePath(job.FilePath),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the file stays locked until the lock goes stale"),
			logging.String(logging.FieldErrorHint, "check permissions on the lock directory"),
		)
	}
}

func (m *Manager) localLeg(ctx context.Context, job *jobs.Job) error {
	logger := logging.WithContext(ctx, m.logger)
	workDir := filepath.Join(m.cfg.Paths.ArtifactsDir, job.ID)

	stageCtx := services.WithStage(ctx, string(jobs.StatusValidating))
	current, err := m.transition(stageCtx, job.ID, jobs.Event{Kind: jobs.EventValidate, Agent: m.locks.Identity()})
	if err != nil {
		return err
	}
	snapshots, err := m.validate(current, filepath.Join(workDir, "source"))
	if err != nil {
		return err
	}

	input := snapshots[0]
	if len(snapshots) > 1 {
		stageCtx = services.WithStage(ctx, string(jobs.StatusMerging))
		if _, err := m.transition(stageCtx, job.ID, jobs.Event{Kind: jobs.EventMerge}); err != nil {
			return err
		}
		merged := filepath.Join(workDir, "merged"+filepath.Ext(snapshots[0]))
		if _, err := m.convertDocument(stageCtx, converter.ModeMerge, snapshots, merged); err != nil {
			return err
		}
		input = merged
	}

	stageCtx = services.WithStage(ctx, string(jobs.StatusConverting))
	if _, err := m.transition(stageCtx, job.ID, jobs.Event{Kind: jobs.EventConvert}); err != nil {
		return err
	}
	artifact := filepath.Join(workDir, artifactName(current, m.cfg.Converter.CanonicalExtension))
	result, err := m.convertDocument(stageCtx, converter.ModeConvert, []string{input}, artifact)
	if err != nil {
		return err
	}
	current, err = m.transition(stageCtx, job.ID, jobs.Event{Kind: jobs.EventConverted, ArtifactPath: result.OutputPath})
	if err != nil {
		return err
	}
	logger.Info("document converted",
		logging.String("artifact", result.OutputPath),
		logging.Int64("bytes", result.Bytes),
	)

	if m.cfg.Workflow.NumberingCheck && current.Role == jobs.RoleMCQs {
		if err := m.checkNumbering(stageCtx, current.ArtifactPath); err != nil {
			return err
		}
	}

	if m.review == nil || !m.review.IsConfigured() {
		return services.Wrap(services.ErrConfiguration, "submitting", "check review client",
			"review service is not configured (set review.base_url)", nil)
	}
	stageCtx = services.WithStage(ctx, string(jobs.StatusSubmitting))
	if _, err := m.transition(stageCtx, job.ID, jobs.Event{Kind: jobs.EventSubmit}); err != nil {
		return err
	}
	submission, err := m.review.Submit(stageCtx, current.ArtifactPath, current.DisplayName())
	if err != nil {
		return err
	}
	submitted, err := m.transition(stageCtx, job.ID, jobs.Event{Kind: jobs.EventSubmitted, ExternalID: submission.ID})
	if err != nil {
		return err
	}
	logger.Info("document submitted for review",
		logging.String("external_id", submission.ID),
		logging.String("service_state", string(submission.State)),
	)
	m.recordHistory(ctx, submitted, "submitted")
	return nil
}

// validate checks every input and snapshots it into dir, returning the
// snapshot paths in input order.
func (m *Manager) validate(job *jobs.Job, dir string) ([]string, error) {
	inputs := job.Inputs()
	snapshots := make([]string, 0, len(inputs))
	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "validating", "stat input", filepath.Base(input), err)
		}
		if info.IsDir() {
			return nil, services.Wrap(services.ErrValidation, "validating", "stat input", filepath.Base(input)+" is a directory", nil)
		}
		if info.Size() == 0 {
			return nil, services.Wrap(services.ErrValidation, "validating", "stat input", filepath.Base(input)+" is empty", nil)
		}
		if !m.allowedExtension(input) {
			return nil, services.Wrap(services.ErrValidation, "validating", "check extension",
				fmt.Sprintf("%s has an unsupported extension", filepath.Base(input)), nil)
		}
		snapshot, err := fileutil.SnapshotFile(input, dir)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "validating", "snapshot input", filepath.Base(input), err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (m *Manager) allowedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range m.cfg.Watch.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (m *Manager) convertDocument(ctx context.Context, mode string, inputs []string, output string) (converter.DocumentResult, error) {
	raw, err := m.pool.Dispatch(ctx, workerpool.TaskConvertDocument, converter.DocumentRequest{
		Mode:   mode,
		Inputs: inputs,
		Output: output,
	}, m.progressLogger(ctx))
	if err != nil {
		return converter.DocumentResult{}, err
	}
	var result converter.DocumentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return converter.DocumentResult{}, services.Wrap(services.ErrExternalTool, "converting", "decode result", "", err)
	}
	if result.OutputPath == "" {
		result.OutputPath = output
	}
	return result, nil
}

func (m *Manager) checkNumbering(ctx context.Context, artifact string) error {
	raw, err := m.pool.Dispatch(ctx, workerpool.TaskParseReport, converter.ParseRequest{
		Mode: converter.ParseNumbering,
		Path: artifact,
	}, nil)
	if err != nil {
		return err
	}
	var resp converter.ParseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return services.Wrap(services.ErrExternalTool, "numbering", "decode result", "", err)
	}
	if resp.Numbering == nil {
		return services.Wrap(services.ErrExternalTool, "numbering", "decode result", "worker returned no numbering report", nil)
	}
	if resp.Numbering.Problem != "" {
		return services.Wrap(services.ErrNumbering, "numbering", "check", resp.Numbering.Problem, nil)
	}
	return nil
}

func (m *Manager) progressLogger(ctx context.Context) func(float64) {
	logger := logging.WithContext(ctx, m.logger)
	return func(percent float64) {
		logger.Debug("conversion progress", logging.Float64("percent", percent))
	}
}

// transition applies ev and publishes the new job state.
func (m *Manager) transition(ctx context.Context, id string, ev jobs.Event) (*jobs.Job, error) {
	job, err := m.store.Transition(ctx, id, ev)
	if err != nil {
		return nil, err
	}
	logging.WithContext(ctx, m.logger).Debug("job transitioned",
		logging.String("event", string(ev.Kind)),
		logging.String("status", string(job.Status)),
	)
	m.publishJob(job)
	return job, nil
}

// lockBase returns the watch root containing path, or its directory.
func (m *Manager) lockBase(path string) string {
	for _, root := range m.cfg.Watch.Roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return root
		}
	}
	return filepath.Dir(path)
}

func artifactName(job *jobs.Job, ext string) string {
	base := strings.TrimSuffix(filepath.Base(job.FilePath), filepath.Ext(job.FilePath))
	if base == "" {
		base = "document"
	}
	if ext == "" {
		ext = ".md"
	}
	return base + ext
}

func isStaleWrite(err error) bool {
	return errors.Is(err, jobs.ErrConcurrentUpdate) || errors.Is(err, jobs.ErrInvalidTransition)
}
