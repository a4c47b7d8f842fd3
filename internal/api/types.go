package api

import (
	"time"

	"docqc/internal/jobs"
	"docqc/internal/workerpool"
	"docqc/internal/workflow"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a job in a transport-friendly format.
type Job struct {
	ID              string      `json:"id"`
	FilePath        string      `json:"filePath"`
	Name            string      `json:"name"`
	Status          string      `json:"status"`
	Folder          string      `json:"folder,omitempty"`
	Chapter         string      `json:"chapter,omitempty"`
	Role            string      `json:"role,omitempty"`
	SourceFiles     []string    `json:"sourceFiles,omitempty"`
	ArtifactPath    string      `json:"artifactPath,omitempty"`
	ReportPath      string      `json:"reportPath,omitempty"`
	FinalReportPath string      `json:"finalReportPath,omitempty"`
	Issues          IssueCounts `json:"issues"`
	Score           *float64    `json:"score,omitempty"`
	ExternalID      string      `json:"externalId,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	RetryCount      int         `json:"retryCount"`
	ProcessedBy     string      `json:"processedBy,omitempty"`
	BatchID         string      `json:"batchId,omitempty"`
	SubmissionOrder int         `json:"submissionOrder,omitempty"`
	CreatedAt       string      `json:"createdAt,omitempty"`
	UpdatedAt       string      `json:"updatedAt,omitempty"`
	SubmittedAt     string      `json:"submittedAt,omitempty"`
	CompletedAt     string      `json:"completedAt,omitempty"`
}

// IssueCounts is the severity breakdown of a review.
type IssueCounts struct {
	Found  int `json:"found"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// JobListResponse wraps a page of jobs.
type JobListResponse struct {
	Jobs  []Job `json:"jobs"`
	Total int   `json:"total"`
}

// AdmitRequest is the POST /api/jobs body.
type AdmitRequest struct {
	FilePath string `json:"filePath" validate:"required"`
	Name     string `json:"name" validate:"omitempty,max=255"`
	Folder   string `json:"folder" validate:"omitempty,max=255"`
	Chapter  string `json:"chapter" validate:"omitempty,max=255"`
	Role     string `json:"role" validate:"omitempty,oneof=theory mcqs solution document"`
}

// AdmitResponse reports the admission decision and the job it concerns.
type AdmitResponse struct {
	Decision string `json:"decision"`
	Job      Job    `json:"job"`
}

// BatchRequest is the POST /api/batches body.
type BatchRequest struct {
	Name  string   `json:"name" validate:"omitempty,max=255"`
	Paths []string `json:"paths" validate:"required,min=1,dive,required"`
}

// BatchResponse describes a batch with its sub-counts and audit trail.
type BatchResponse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	CreatedAt  string         `json:"createdAt"`
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Processing int            `json:"processing"`
	Jobs       []Job          `json:"jobs,omitempty"`
	History    []BatchHistory `json:"history,omitempty"`
}

// BatchHistory is one audit-trail row.
type BatchHistory struct {
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	Note       string `json:"note,omitempty"`
	RecordedAt string `json:"recordedAt"`
}

// StatsResponse aggregates store statistics and orchestrator state.
type StatsResponse struct {
	Queued              int      `json:"queued"`
	Processing          int      `json:"processing"`
	Completed           int      `json:"completed"`
	Failed              int      `json:"failed"`
	NeedsVerification   int      `json:"needsVerification"`
	Total               int      `json:"total"`
	CompletedToday      int      `json:"completedToday"`
	CompletedThisWeek   int      `json:"completedThisWeek"`
	AverageScore        *float64 `json:"averageScore,omitempty"`
	AverageTurnaroundMS int64    `json:"averageTurnaroundMs"`
	LastCompletionTime  string   `json:"lastCompletionTime,omitempty"`
	QueueDepth          int      `json:"queueDepth"`
	Active              int      `json:"active"`
	ServiceOnline       bool     `json:"serviceOnline"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
}

// Event is one message on the live event stream.
type Event struct {
	Type          string       `json:"type"`
	Timestamp     string       `json:"timestamp"`
	Job           *Job         `json:"job,omitempty"`
	QueueDepth    *int         `json:"queueDepth,omitempty"`
	Active        *int         `json:"active,omitempty"`
	Worker        *WorkerEvent `json:"worker,omitempty"`
	ServiceOnline *bool        `json:"serviceOnline,omitempty"`
	Detail        string       `json:"detail,omitempty"`
}

// WorkerEvent describes a worker supervision event.
type WorkerEvent struct {
	Kind     string `json:"kind"`
	Type     string `json:"type"`
	Slot     int    `json:"slot"`
	Restarts int    `json:"restarts"`
	Error    string `json:"error,omitempty"`
}

// FromJob converts a store job into its API form.
func FromJob(job *jobs.Job) Job {
	if job == nil {
		return Job{}
	}
	return Job{
		ID:              job.ID,
		FilePath:        job.FilePath,
		Name:            job.DisplayName(),
		Status:          string(job.Status),
		Folder:          job.Folder,
		Chapter:         job.Chapter,
		Role:            string(job.Role),
		SourceFiles:     job.SourceFiles,
		ArtifactPath:    job.ArtifactPath,
		ReportPath:      job.ReportPath,
		FinalReportPath: job.FinalReportPath,
		Issues:          IssueCounts(job.Issues),
		Score:           job.Score,
		ExternalID:      job.ExternalID,
		ErrorMessage:    job.ErrorMessage,
		RetryCount:      job.RetryCount,
		ProcessedBy:     job.ProcessedBy,
		BatchID:         job.BatchID,
		SubmissionOrder: job.SubmissionOrder,
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
		SubmittedAt:     formatTimePtr(job.SubmittedAt),
		CompletedAt:     formatTimePtr(job.CompletedAt),
	}
}

// FromJobs converts a slice of store jobs.
func FromJobs(list []*jobs.Job) []Job {
	out := make([]Job, 0, len(list))
	for _, job := range list {
		out = append(out, FromJob(job))
	}
	return out
}

// FromStats merges store statistics with the orchestrator status.
func FromStats(stats jobs.Stats, status workflow.Status) StatsResponse {
	resp := StatsResponse{
		Queued:              stats.Queued,
		Processing:          stats.Processing,
		Completed:           stats.Completed,
		Failed:              stats.Failed,
		NeedsVerification:   stats.NeedsVerification,
		Total:               stats.Total,
		CompletedToday:      stats.CompletedToday,
		CompletedThisWeek:   stats.CompletedThisWeek,
		AverageScore:        stats.AverageScore,
		AverageTurnaroundMS: stats.AverageTurnaround.Milliseconds(),
		LastCompletionTime:  formatTimePtr(stats.LastCompletionTime),
		QueueDepth:          status.QueueDepth,
		Active:              status.Active,
		ServiceOnline:       status.ServiceOnline,
	}
	return resp
}

// FromBatch converts a batch summary, its jobs and history.
func FromBatch(summary *jobs.BatchSummary, members []*jobs.Job, history []jobs.BatchHistoryEntry) BatchResponse {
	resp := BatchResponse{
		ID:         summary.Batch.ID,
		Name:       summary.Batch.Name,
		CreatedAt:  formatTime(summary.Batch.CreatedAt),
		Total:      summary.Total,
		Completed:  summary.Completed,
		Failed:     summary.Failed,
		Processing: summary.Processing,
		Jobs:       FromJobs(members),
	}
	for _, entry := range history {
		resp.History = append(resp.History, BatchHistory{
			JobID:      entry.JobID,
			Status:     string(entry.Status),
			Attempt:    entry.Attempt,
			Note:       entry.Note,
			RecordedAt: formatTime(entry.RecordedAt),
		})
	}
	return resp
}

// FromUpdate converts an orchestrator telemetry update into a stream event.
func FromUpdate(update workflow.Update) Event {
	evt := Event{Type: string(update.Kind), Timestamp: formatTime(update.At), Detail: update.Detail}
	switch update.Kind {
	case workflow.UpdateJob:
		job := FromJob(update.Job)
		evt.Job = &job
	case workflow.UpdateQueue:
		depth, active := update.QueueDepth, update.Active
		evt.QueueDepth = &depth
		evt.Active = &active
	case workflow.UpdateWorker:
		if update.Worker != nil {
			evt.Worker = fromWorkerEvent(*update.Worker)
		}
	case workflow.UpdateService:
		online := update.ServiceOnline
		evt.ServiceOnline = &online
	}
	return evt
}

func fromWorkerEvent(ev workerpool.Event) *WorkerEvent {
	out := &WorkerEvent{
		Kind:     string(ev.Kind),
		Type:     string(ev.Type),
		Slot:     ev.Slot,
		Restarts: ev.Restarts,
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
