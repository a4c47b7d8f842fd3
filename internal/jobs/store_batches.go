package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateBatch records a named batch and returns it.
func (s *Store) CreateBatch(ctx context.Context, name string) (*Batch, error) {
	ctx = ensureContext(ctx)
	id := uuid.NewString()
	if err := s.ensureBatch(ctx, id, strings.TrimSpace(name)); err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, id)
}

// GetBatch fetches a batch by id. It returns nil without error when absent.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var (
		batch   Batch
		name    sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, name, created_at FROM batches WHERE id = ?`, id,
	).Scan(&batch.ID, &name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	batch.Name = name.String
	if parsed, perr := parseTimeString(created); perr == nil {
		batch.CreatedAt = parsed
	}
	return &batch, nil
}

func (s *Store) ensureBatch(ctx context.Context, id, name string) error {
	if _, err := s.execWithRetry(ctx,
		`INSERT OR IGNORE INTO batches (id, name, created_at) VALUES (?, ?, ?)`,
		id, nullableString(name), formatTime(s.now()),
	); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// BatchSummary returns the batch with per-bucket job counts.
func (s *Store) BatchSummary(ctx context.Context, id string) (*BatchSummary, error) {
	ctx = ensureContext(ctx)
	batch, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs WHERE batch_id = ? GROUP BY status`, id)
	if err != nil {
		return nil, fmt.Errorf("batch counts: %w", err)
	}
	defer rows.Close()

	summary := &BatchSummary{Batch: *batch}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		summary.Total += count
		switch st := Status(status); {
		case st.IsSuccess():
			summary.Completed += count
		case st.IsFailure():
			summary.Failed += count
		default:
			summary.Processing += count
		}
	}
	return summary, rows.Err()
}

// AppendBatchHistory records one attempt for a job within its batch.
func (s *Store) AppendBatchHistory(ctx context.Context, entry BatchHistoryEntry) error {
	if strings.TrimSpace(entry.BatchID) == "" || strings.TrimSpace(entry.JobID) == "" {
		return errors.New("batch id and job id required")
	}
	recorded := entry.RecordedAt
	if recorded.IsZero() {
		recorded = s.now()
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO batch_history (batch_id, job_id, status, attempt, note, recorded_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		entry.BatchID, entry.JobID, string(entry.Status), entry.Attempt,
		nullableString(entry.Note), formatTime(recorded),
	); err != nil {
		return fmt.Errorf("append batch history: %w", err)
	}
	return nil
}

// BatchHistory lists recorded attempts for a batch, oldest first.
func (s *Store) BatchHistory(ctx context.Context, batchID string) ([]BatchHistoryEntry, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT batch_id, job_id, status, attempt, note, recorded_at
         FROM batch_history WHERE batch_id = ? ORDER BY recorded_at, id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("batch history: %w", err)
	}
	defer rows.Close()

	var entries []BatchHistoryEntry
	for rows.Next() {
		var (
			entry    BatchHistoryEntry
			status   string
			note     sql.NullString
			recorded string
		)
		if err := rows.Scan(&entry.BatchID, &entry.JobID, &status, &entry.Attempt, &note, &recorded); err != nil {
			return nil, err
		}
		entry.Status = Status(status)
		entry.Note = note.String
		if parsed, perr := parseTimeString(recorded); perr == nil {
			entry.RecordedAt = parsed
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
