package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"docqc/internal/detector"
	"docqc/internal/jobs"
	"docqc/internal/logging"
	"docqc/internal/services"
)

// Decision is the outcome of admitting a document.
type Decision string

const (
	DecisionCreated       Decision = "created"
	DecisionReset         Decision = "reset"
	DecisionSkippedActive Decision = "skipped_active"
	DecisionSkippedDone   Decision = "skipped_done"
)

// Request describes a document to admit.
type Request struct {
	FilePath        string
	Name            string
	Folder          string
	Chapter         string
	Role            jobs.Role
	SourceFiles     []string
	BatchID         string
	SubmissionOrder int
}

// Admission reports what admission did and the job it concerns.
type Admission struct {
	Decision Decision
	Job      *jobs.Job
}

// Queued reports whether the admission put the job on the queue.
func (a Admission) Queued() bool {
	return a.Decision == DecisionCreated || a.Decision == DecisionReset
}

// RequestFromEvent converts a detector event into an admission request.
func RequestFromEvent(ev detector.Event) Request {
	req := Request{
		FilePath: ev.Primary(),
		Folder:   ev.Folder,
		Chapter:  ev.Chapter,
		Role:     ev.Role,
	}
	if ev.Kind == detector.KindMerge {
		req.SourceFiles = append([]string(nil), ev.Paths...)
	}
	return req
}

// Watch admits every event from events until the channel closes or ctx ends.
func (m *Manager) Watch(ctx context.Context, events <-chan detector.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := m.Admit(ctx, RequestFromEvent(ev)); err != nil && !errors.Is(err, ErrShuttingDown) {
				m.logger.Error("failed to admit detected document",
					logging.FilePath(ev.Primary()),
					logging.Error(err),
					logging.String(logging.FieldEventType, "admission_failed"),
					logging.String(logging.FieldErrorHint, "check job store access"),
				)
			}
		}
	}
}

// Admit applies the admission policy for one document: skip a path that is
// done or in flight, reset a failed job, or create a new queued job. The job
// is persisted before it is queued.
func (m *Manager) Admit(ctx context.Context, req Request) (Admission, error) {
	if m.isClosing() {
		return Admission{}, ErrShuttingDown
	}
	path, err := normalizePath(req.FilePath)
	if err != nil {
		return Admission{}, err
	}
	req.FilePath = path
	for i, source := range req.SourceFiles {
		if req.SourceFiles[i], err = normalizePath(source); err != nil {
			return Admission{}, err
		}
	}
	logger := m.logger.With(logging.FilePath(path))

	existing, err := m.store.GetByPath(ctx, path)
	if err != nil {
		return Admission{}, err
	}
	if existing != nil {
		switch {
		case existing.Status.IsSuccess():
			logger.Debug("document already reviewed; skipping", logging.JobID(existing.ID))
			return Admission{Decision: DecisionSkippedDone, Job: existing}, nil
		case existing.Status.IsActive():
			logger.Debug("document already in flight; skipping",
				logging.JobID(existing.ID),
				logging.String("status", string(existing.Status)),
			)
			return Admission{Decision: DecisionSkippedActive, Job: existing}, nil
		default:
			job, err := m.reset(ctx, existing, req)
			if err != nil {
				return Admission{}, err
			}
			logger.Info("failed job reset for reprocessing", logging.JobID(job.ID))
			return Admission{Decision: DecisionReset, Job: job}, nil
		}
	}

	job, err := m.store.Create(ctx, jobs.NewJob{
		FilePath:        path,
		OriginalName:    strings.TrimSpace(req.Name),
		Folder:          req.Folder,
		Chapter:         req.Chapter,
		Role:            req.Role,
		SourceFiles:     req.SourceFiles,
		BatchID:         req.BatchID,
		SubmissionOrder: req.SubmissionOrder,
	})
	if errors.Is(err, jobs.ErrActiveJobExists) {
		active, lookupErr := m.store.FindActiveByPath(ctx, path)
		if lookupErr != nil {
			return Admission{}, lookupErr
		}
		return Admission{Decision: DecisionSkippedActive, Job: active}, nil
	}
	if err != nil {
		return Admission{}, err
	}
	logger.Info("document admitted",
		logging.JobID(job.ID),
		logging.String("role", string(job.Role)),
		logging.Int("sources", len(job.Inputs())),
	)
	m.recordHistory(ctx, job, "admitted")
	m.publishJob(job)
	m.enqueue(job.ID)
	return Admission{Decision: DecisionCreated, Job: job}, nil
}

func (m *Manager) reset(ctx context.Context, existing *jobs.Job, req Request) (*jobs.Job, error) {
	job, err := m.store.Transition(ctx, existing.ID, jobs.Event{Kind: jobs.EventRetry})
	if err != nil {
		return nil, err
	}
	changed := false
	if len(req.SourceFiles) > 0 {
		job.SourceFiles = req.SourceFiles
		changed = true
	}
	if req.BatchID != "" && req.BatchID != job.BatchID {
		job.BatchID = req.BatchID
		job.SubmissionOrder = req.SubmissionOrder
		changed = true
	}
	if changed {
		if err := m.store.UpdateUnchanged(ctx, job); err != nil {
			return nil, err
		}
	}
	m.recordHistory(ctx, job, "admitted")
	m.publishJob(job)
	m.enqueue(job.ID)
	return job, nil
}

// Retry resets a failed job and re-enters it through the queue.
func (m *Manager) Retry(ctx context.Context, id string) (*jobs.Job, error) {
	if m.isClosing() {
		return nil, ErrShuttingDown
	}
	job, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "retry", "lookup", fmt.Sprintf("job %s", id), nil)
	}
	if !job.Status.IsFailure() {
		return nil, services.Wrap(services.ErrValidation, "retry", "check status",
			fmt.Sprintf("job %s is %s; only failed jobs can be retried", id, job.Status), jobs.ErrInvalidTransition)
	}
	reset, err := m.reset(ctx, job, Request{})
	if err != nil {
		return nil, err
	}
	m.logger.Info("job retried", logging.JobID(id))
	return reset, nil
}

// AdmitBatch creates a batch and admits each path in submission order.
func (m *Manager) AdmitBatch(ctx context.Context, name string, paths []string) (*jobs.Batch, []Admission, error) {
	if m.isClosing() {
		return nil, nil, ErrShuttingDown
	}
	batch, err := m.store.CreateBatch(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	admissions := make([]Admission, 0, len(paths))
	for i, path := range paths {
		admission, err := m.Admit(ctx, Request{FilePath: path, BatchID: batch.ID, SubmissionOrder: i + 1})
		if err != nil {
			return batch, admissions, fmt.Errorf("admit %s: %w", path, err)
		}
		admissions = append(admissions, admission)
	}
	return batch, admissions, nil
}

// Remove deletes a terminal job. Active jobs belong to the orchestrator.
func (m *Manager) Remove(ctx context.Context, id string) (bool, error) {
	job, err := m.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	if job.Status.IsActive() {
		return false, ErrJobActive
	}
	return m.store.Remove(ctx, id)
}

// Pending returns the queue depth and the number of running jobs.
func (m *Manager) Pending() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), m.active
}

func (m *Manager) enqueue(id string) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	if _, ok := m.queued[id]; ok {
		m.mu.Unlock()
		return
	}
	m.queued[id] = struct{}{}
	m.queue = append(m.queue, id)
	m.mu.Unlock()
	m.publishQueue()
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) drainLoop(ctx context.Context) {
	defer close(m.loopDone)
	for {
		m.dispatchReady(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
	}
}

func (m *Manager) dispatchReady(ctx context.Context) {
	for {
		m.mu.Lock()
		if ctx.Err() != nil || m.closing || m.active >= m.ceiling || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		id := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, id)
		m.active++
		m.jobsWG.Add(1)
		m.mu.Unlock()
		m.publishQueue()

		go func() {
			defer m.jobsWG.Done()
			m.runJob(ctx, id)
			m.mu.Lock()
			m.active--
			m.mu.Unlock()
			m.publishQueue()
			m.signal()
		}()
	}
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

func normalizePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", services.Wrap(services.ErrValidation, "admission", "normalize", "file path required", nil)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "admission", "normalize", path, err)
	}
	return filepath.Clean(abs), nil
}
