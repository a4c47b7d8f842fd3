package jobs

import (
	"path/filepath"
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued              Status = "queued"
	StatusValidating          Status = "validating"
	StatusMerging             Status = "merging"
	StatusConverting          Status = "converting"
	StatusConverted           Status = "converted"
	StatusConversionFailed    Status = "conversion_failed"
	StatusSubmitting          Status = "submitting"
	StatusProcessing          Status = "processing"
	StatusPendingVerification Status = "pending_verification"
	StatusDownloading         Status = "downloading"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusNumberingFailed     Status = "numbering_failed"
)

var allStatuses = []Status{
	StatusQueued,
	StatusValidating,
	StatusMerging,
	StatusConverting,
	StatusConverted,
	StatusConversionFailed,
	StatusSubmitting,
	StatusProcessing,
	StatusPendingVerification,
	StatusDownloading,
	StatusCompleted,
	StatusFailed,
	StatusNumberingFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var terminalStatuses = map[Status]struct{}{
	StatusCompleted:           {},
	StatusPendingVerification: {},
	StatusFailed:              {},
	StatusConversionFailed:    {},
	StatusNumberingFailed:     {},
}

var failureStatuses = map[Status]struct{}{
	StatusFailed:           {},
	StatusConversionFailed: {},
	StatusNumberingFailed:  {},
}

// localStatuses are the in-flight statuses owned by the claiming host's
// orchestrator; the remaining active statuses wait on the review service.
var localStatuses = map[Status]struct{}{
	StatusValidating: {},
	StatusMerging:    {},
	StatusConverting: {},
	StatusConverted:  {},
	StatusSubmitting: {},
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a user supplied value into a Status.
func ParseStatus(value string) (Status, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	status := Status(normalized)
	_, ok := statusSet[status]
	return status, ok
}

// IsTerminal reports whether the status ends the lifecycle.
func (s Status) IsTerminal() bool {
	_, ok := terminalStatuses[s]
	return ok
}

// IsFailure reports whether the status is a terminal failure eligible for retry.
func (s Status) IsFailure() bool {
	_, ok := failureStatuses[s]
	return ok
}

// IsSuccess reports whether the status is a terminal state that must not be re-run.
func (s Status) IsSuccess() bool {
	return s == StatusCompleted || s == StatusPendingVerification
}

// IsActive reports whether a job in this status is in flight.
func (s Status) IsActive() bool {
	return !s.IsTerminal()
}

// IsLocal reports whether the status is an in-flight step run by the claiming host.
func (s Status) IsLocal() bool {
	_, ok := localStatuses[s]
	return ok
}

// Label returns the upper-case display form of the status.
func (s Status) Label() string {
	return strings.ToUpper(string(s))
}

// Role classifies a document within a chapter folder.
type Role string

const (
	RoleTheory   Role = "theory"
	RoleMCQs     Role = "mcqs"
	RoleSolution Role = "solution"
	RoleDocument Role = "document"
)

// IssueCounts is the severity breakdown of a review report.
type IssueCounts struct {
	Found  int `json:"found"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Job represents one tracked source document moving through the pipeline.
type Job struct {
	ID              string
	FilePath        string
	OriginalName    string
	Status          Status
	ArtifactPath    string
	ReportPath      string
	FinalReportPath string
	Issues          IssueCounts
	Score           *float64
	ExternalID      string
	SubmittedAt     *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	RetryCount      int
	ProcessedBy     string
	Folder          string
	Chapter         string
	Role            Role
	SourceFiles     []string
	BatchID         string
	OriginalBatchID string
	SubmissionOrder int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewJob describes a job to be inserted in the queued state.
type NewJob struct {
	FilePath        string
	OriginalName    string
	Folder          string
	Chapter         string
	Role            Role
	SourceFiles     []string
	BatchID         string
	SubmissionOrder int
}

// RequiresMerge reports whether the job combines several source files.
func (j *Job) RequiresMerge() bool {
	return j != nil && len(j.SourceFiles) > 1
}

// Inputs returns the source files to convert, falling back to FilePath.
func (j *Job) Inputs() []string {
	if j == nil {
		return nil
	}
	if len(j.SourceFiles) > 0 {
		out := make([]string, len(j.SourceFiles))
		copy(out, j.SourceFiles)
		return out
	}
	return []string{j.FilePath}
}

// DisplayName returns the best human label for the job.
func (j *Job) DisplayName() string {
	if j == nil {
		return ""
	}
	if name := strings.TrimSpace(j.OriginalName); name != "" {
		return name
	}
	return filepath.Base(j.FilePath)
}

// Filter narrows job listings.
type Filter struct {
	Statuses []Status
	Folder   string
	BatchID  string
	Limit    int
	Offset   int
}

// Page is a paginated job listing.
type Page struct {
	Jobs  []*Job
	Total int
}

// Stats summarizes the store for dashboards and the CLI.
type Stats struct {
	Queued             int
	Processing         int
	Completed          int
	Failed             int
	NeedsVerification  int
	Total              int
	CompletedToday     int
	CompletedThisWeek  int
	AverageScore       *float64
	AverageTurnaround  time.Duration
	TurnaroundSamples  int
	LastCompletionTime *time.Time
}

// Batch groups jobs submitted together.
type Batch struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// BatchSummary reports sub-counts for a batch.
type BatchSummary struct {
	Batch      Batch
	Total      int
	Completed  int
	Failed     int
	Processing int
}

// BatchHistoryEntry is one row of the per-attempt audit trail.
type BatchHistoryEntry struct {
	BatchID    string
	JobID      string
	Status     Status
	Attempt    int
	Note       string
	RecordedAt time.Time
}
