package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = "id, file_path, original_name, status, artifact_path, report_path, final_report_path, issues_found, issues_high, issues_medium, issues_low, score, external_id, submitted_at, completed_at, error_message, retry_count, processed_by, folder, chapter, role, source_files_json, batch_id, original_batch_id, submission_order, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id              string
		filePath        string
		originalName    string
		statusStr       string
		artifactPath    sql.NullString
		reportPath      sql.NullString
		finalReportPath sql.NullString
		issuesFound     int
		issuesHigh      int
		issuesMedium    int
		issuesLow       int
		score           sql.NullFloat64
		externalID      sql.NullString
		submittedRaw    sql.NullString
		completedRaw    sql.NullString
		errorMessage    sql.NullString
		retryCount      int
		processedBy     sql.NullString
		folder          sql.NullString
		chapter         sql.NullString
		role            sql.NullString
		sourceFilesJSON sql.NullString
		batchID         sql.NullString
		originalBatchID sql.NullString
		submissionOrder int
		createdRaw      string
		updatedRaw      string
	)

	if err := scanner.Scan(
		&id,
		&filePath,
		&originalName,
		&statusStr,
		&artifactPath,
		&reportPath,
		&finalReportPath,
		&issuesFound,
		&issuesHigh,
		&issuesMedium,
		&issuesLow,
		&score,
		&externalID,
		&submittedRaw,
		&completedRaw,
		&errorMessage,
		&retryCount,
		&processedBy,
		&folder,
		&chapter,
		&role,
		&sourceFilesJSON,
		&batchID,
		&originalBatchID,
		&submissionOrder,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		FilePath:        filePath,
		OriginalName:    originalName,
		Status:          Status(statusStr),
		ArtifactPath:    artifactPath.String,
		ReportPath:      reportPath.String,
		FinalReportPath: finalReportPath.String,
		Issues: IssueCounts{
			Found:  issuesFound,
			High:   issuesHigh,
			Medium: issuesMedium,
			Low:    issuesLow,
		},
		ExternalID:      externalID.String,
		ErrorMessage:    errorMessage.String,
		RetryCount:      retryCount,
		ProcessedBy:     processedBy.String,
		Folder:          folder.String,
		Chapter:         chapter.String,
		Role:            Role(role.String),
		BatchID:         batchID.String,
		OriginalBatchID: originalBatchID.String,
		SubmissionOrder: submissionOrder,
	}
	if score.Valid {
		value := score.Float64
		job.Score = &value
	}
	if sourceFilesJSON.Valid && sourceFilesJSON.String != "" {
		if err := json.Unmarshal([]byte(sourceFilesJSON.String), &job.SourceFiles); err != nil {
			return nil, err
		}
	}
	job.SubmittedAt = parseNullableTime(submittedRaw)
	job.CompletedAt = parseNullableTime(completedRaw)
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableStrings(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func statusArgs(statuses []Status) []any {
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	return args
}
