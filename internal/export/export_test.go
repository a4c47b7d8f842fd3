package export_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"docqc/internal/export"
	"docqc/internal/jobs"
)

func TestWriteXLSX(t *testing.T) {
	score := 87.5
	submitted := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	list := []*jobs.Job{
		{
			ID:       "job-1",
			FilePath: "/qc/3/Chapter 1/theory.docx",
			Folder:   "3",
			Chapter:  "Chapter 1",
			Role:     jobs.RoleTheory,
			Status:   jobs.StatusCompleted,
			Issues:   jobs.IssueCounts{Found: 3, High: 1, Low: 2},
			Score:    &score,

			SubmittedAt: &submitted,
		},
		{
			ID:           "job-2",
			FilePath:     "/qc/2/Chapter 4/mcqs.docx",
			Status:       jobs.StatusNumberingFailed,
			ErrorMessage: "question 2 is missing",
		},
	}

	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, list); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(export.SheetName)
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "Job ID" || len(rows[0]) != len(export.Headers) {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	first := rows[1]
	if first[1] != "theory.docx" || first[5] != "COMPLETED" || first[6] != "3" || first[7] != "1" || first[10] != "87.5" {
		t.Fatalf("unexpected first row: %v", first)
	}
	second := rows[2]
	if second[5] != "NUMBERING_FAILED" || second[14] != "question 2 is missing" {
		t.Fatalf("unexpected second row: %v", second)
	}
}

func TestWriteXLSXEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, nil); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(export.SheetName)
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected header only, got %d rows", len(rows))
	}
}
