package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrConcurrentUpdate indicates the row changed status between read and write.
var ErrConcurrentUpdate = errors.New("job status changed concurrently")

// Create inserts a queued job. It fails with ErrActiveJobExists when another
// non-terminal job already tracks the same path.
func (s *Store) Create(ctx context.Context, spec NewJob) (*Job, error) {
	ctx = ensureContext(ctx)
	filePath := strings.TrimSpace(spec.FilePath)
	if filePath == "" {
		return nil, errors.New("file path required")
	}
	name := strings.TrimSpace(spec.OriginalName)
	if name == "" {
		name = filepath.Base(filePath)
	}
	sources, err := nullableStrings(spec.SourceFiles)
	if err != nil {
		return nil, fmt.Errorf("marshal source files: %w", err)
	}
	if spec.BatchID != "" {
		if err := s.ensureBatch(ctx, spec.BatchID, ""); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	timestamp := formatTime(s.now())
	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, file_path, original_name, status, folder, chapter, role,
            source_files_json, batch_id, original_batch_id, submission_order,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		filePath,
		name,
		string(StatusQueued),
		nullableString(spec.Folder),
		nullableString(spec.Chapter),
		nullableString(string(spec.Role)),
		sources,
		nullableString(spec.BatchID),
		nullableString(spec.BatchID),
		spec.SubmissionOrder,
		timestamp,
		timestamp,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrActiveJobExists, filePath)
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier. It returns nil without error when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetByPath returns the most recently created job for a path.
func (s *Store) GetByPath(ctx context.Context, filePath string) (*Job, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs WHERE file_path = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		filePath,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by path: %w", err)
	}
	return job, nil
}

// FindActiveByPath returns the non-terminal job for a path, if any.
func (s *Store) FindActiveByPath(ctx context.Context, filePath string) (*Job, error) {
	terminal := terminalList()
	args := append([]any{filePath}, statusArgs(terminal)...)
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs WHERE file_path = ? AND status NOT IN (`+makePlaceholders(len(terminal))+`) LIMIT 1`,
		args...,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return job, nil
}

// FindByGroup returns the most recent job for a folder/chapter/role triple.
func (s *Store) FindByGroup(ctx context.Context, folder, chapter string, role Role) (*Job, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs WHERE folder = ? AND chapter = ? AND role = ?
         ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		folder, chapter, string(role),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job by group: %w", err)
	}
	return job, nil
}

// List returns a filtered, paginated listing ordered newest first.
func (s *Store) List(ctx context.Context, filter Filter) (Page, error) {
	ctx = ensureContext(ctx)
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, `status IN (`+makePlaceholders(len(filter.Statuses))+`)`)
		args = append(args, statusArgs(filter.Statuses)...)
	}
	if folder := strings.TrimSpace(filter.Folder); folder != "" {
		clauses = append(clauses, `folder = ?`)
		args = append(args, folder)
	}
	if batch := strings.TrimSpace(filter.BatchID); batch != "" {
		clauses = append(clauses, `batch_id = ?`)
		args = append(args, batch)
	}
	where := ""
	if len(clauses) > 0 {
		where = ` WHERE ` + strings.Join(clauses, ` AND `)
	}

	var page Page
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs`+where, args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	jobs, err := s.queryJobs(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return Page{}, fmt.Errorf("list jobs: %w", err)
	}
	page.Jobs = jobs
	return page, nil
}

// ListByStatus returns jobs in any of the given statuses ordered by creation time.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	jobs, err := s.queryJobs(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+makePlaceholders(len(statuses))+`) ORDER BY created_at, rowid`,
		statusArgs(statuses)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	return jobs, nil
}

// ListAwaiting returns submitted jobs that still wait on the review service,
// oldest submission first.
func (s *Store) ListAwaiting(ctx context.Context) ([]*Job, error) {
	jobs, err := s.queryJobs(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs
         WHERE status IN (?, ?) AND external_id IS NOT NULL AND external_id != ''
         ORDER BY submitted_at, rowid`,
		string(StatusProcessing), string(StatusDownloading),
	)
	if err != nil {
		return nil, fmt.Errorf("list awaiting: %w", err)
	}
	return jobs, nil
}

// Update persists every mutable column of job.
func (s *Store) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = s.now().UTC()
	_, err := s.update(ensureContext(ctx), job, "")
	return err
}

// UpdateUnchanged persists job only while the stored status still equals
// job.Status. It returns ErrConcurrentUpdate when another writer moved it.
func (s *Store) UpdateUnchanged(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = s.now().UTC()
	affected, err := s.update(ensureContext(ctx), job, job.Status)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrConcurrentUpdate, job.ID)
	}
	return nil
}

// Transition loads the job, applies ev and persists the result only if the
// stored status is unchanged since the read.
func (s *Store) Transition(ctx context.Context, id string, ev Event) (*Job, error) {
	ctx = ensureContext(ctx)
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	next, err := Apply(*current, ev)
	if err != nil {
		return nil, err
	}
	affected, err := s.update(ctx, &next, current.Status)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConcurrentUpdate, id)
	}
	return &next, nil
}

func (s *Store) update(ctx context.Context, job *Job, expected Status) (int64, error) {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = s.now().UTC()
	}
	sources, err := nullableStrings(job.SourceFiles)
	if err != nil {
		return 0, fmt.Errorf("marshal source files: %w", err)
	}
	query := `UPDATE jobs
         SET file_path = ?, original_name = ?, status = ?, artifact_path = ?, report_path = ?,
             final_report_path = ?, issues_found = ?, issues_high = ?, issues_medium = ?,
             issues_low = ?, score = ?, external_id = ?, submitted_at = ?, completed_at = ?,
             error_message = ?, retry_count = ?, processed_by = ?, folder = ?, chapter = ?,
             role = ?, source_files_json = ?, batch_id = ?, original_batch_id = ?,
             submission_order = ?, updated_at = ?
         WHERE id = ?`
	args := []any{
		job.FilePath,
		job.OriginalName,
		string(job.Status),
		nullableString(job.ArtifactPath),
		nullableString(job.ReportPath),
		nullableString(job.FinalReportPath),
		job.Issues.Found,
		job.Issues.High,
		job.Issues.Medium,
		job.Issues.Low,
		nullableFloat(job.Score),
		nullableString(job.ExternalID),
		nullableTime(job.SubmittedAt),
		nullableTime(job.CompletedAt),
		nullableString(job.ErrorMessage),
		job.RetryCount,
		nullableString(job.ProcessedBy),
		nullableString(job.Folder),
		nullableString(job.Chapter),
		nullableString(string(job.Role)),
		sources,
		nullableString(job.BatchID),
		nullableString(job.OriginalBatchID),
		job.SubmissionOrder,
		formatTime(job.UpdatedAt),
		job.ID,
	}
	if expected != "" {
		query += ` AND status = ?`
		args = append(args, string(expected))
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrActiveJobExists, job.FilePath)
		}
		return 0, fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// Remove deletes a job by id. It reports whether a row was removed.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearCompleted removes success-terminal jobs and returns how many were deleted.
func (s *Store) ClearCompleted(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE status IN (?, ?)`,
		string(StatusCompleted), string(StatusPendingVerification))
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func terminalList() []Status {
	out := make([]Status, 0, len(terminalStatuses))
	for _, status := range allStatuses {
		if status.IsTerminal() {
			out = append(out, status)
		}
	}
	return out
}
