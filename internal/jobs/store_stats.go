package jobs

import (
	"context"
	"fmt"
	"time"
)

// Stats aggregates status buckets and completion metrics. Calendar windows are
// computed in the clock's local zone; the week starts on Monday.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx = ensureContext(ctx)
	var stats Stats

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("count statuses: %w", err)
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return Stats{}, err
		}
		stats.Total += count
		switch st := Status(status); {
		case st == StatusQueued:
			stats.Queued += count
		case st == StatusCompleted:
			stats.Completed += count
		case st == StatusPendingVerification:
			stats.NeedsVerification += count
		case st.IsFailure():
			stats.Failed += count
		default:
			stats.Processing += count
		}
	}
	if err := rows.Close(); err != nil {
		return Stats{}, err
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	completed, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) AND completed_at IS NOT NULL`,
		string(StatusCompleted), string(StatusPendingVerification))
	if err != nil {
		return Stats{}, fmt.Errorf("load completed jobs: %w", err)
	}

	now := s.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekday := (int(startOfDay.Weekday()) + 6) % 7
	startOfWeek := startOfDay.AddDate(0, 0, -weekday)

	var (
		scoreSum      float64
		scoreCount    int
		turnaroundSum time.Duration
	)
	for _, job := range completed {
		finished := *job.CompletedAt
		if !finished.Before(startOfDay) {
			stats.CompletedToday++
		}
		if !finished.Before(startOfWeek) {
			stats.CompletedThisWeek++
		}
		if stats.LastCompletionTime == nil || finished.After(*stats.LastCompletionTime) {
			stamp := finished
			stats.LastCompletionTime = &stamp
		}
		if job.Score != nil {
			scoreSum += *job.Score
			scoreCount++
		}
		if job.SubmittedAt != nil && finished.After(*job.SubmittedAt) {
			turnaroundSum += finished.Sub(*job.SubmittedAt)
			stats.TurnaroundSamples++
		}
	}
	if scoreCount > 0 {
		avg := scoreSum / float64(scoreCount)
		stats.AverageScore = &avg
	}
	if stats.TurnaroundSamples > 0 {
		stats.AverageTurnaround = turnaroundSum / time.Duration(stats.TurnaroundSamples)
	}
	return stats, nil
}
