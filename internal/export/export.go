// Package export writes job listings to spreadsheets.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"docqc/internal/jobs"
)

// SheetName is the worksheet that holds the job rows.
const SheetName = "Jobs"

// Headers are the column titles, in order.
var Headers = []string{
	"Job ID",
	"Name",
	"Folder",
	"Chapter",
	"Role",
	"Status",
	"Issues Found",
	"High",
	"Medium",
	"Low",
	"Score",
	"Submitted",
	"Completed",
	"Processed By",
	"Error",
	"File Path",
}

const timeLayout = "2006-01-02 15:04:05"

// WriteXLSX renders one row per job into an XLSX workbook written to w.
func WriteXLSX(w io.Writer, list []*jobs.Job) error {
	f := excelize.NewFile()
	defer f.Close()

	defaultSheet := f.GetSheetName(0)
	if err := f.SetSheetName(defaultSheet, SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	for i, h := range Headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		last, _ := excelize.CoordinatesToCellName(len(Headers), 1)
		_ = f.SetCellStyle(SheetName, "A1", last, style)
	}

	for idx, job := range list {
		row := idx + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(SheetName, cell, v)
		}
		write(1, job.ID)
		write(2, job.DisplayName())
		write(3, job.Folder)
		write(4, job.Chapter)
		write(5, string(job.Role))
		write(6, job.Status.Label())
		write(7, job.Issues.Found)
		write(8, job.Issues.High)
		write(9, job.Issues.Medium)
		write(10, job.Issues.Low)
		if job.Score != nil {
			write(11, *job.Score)
		}
		write(12, formatTime(job.SubmittedAt))
		write(13, formatTime(job.CompletedAt))
		write(14, job.ProcessedBy)
		write(15, truncate(job.ErrorMessage, 240))
		write(16, job.FilePath)
	}

	_ = f.SetColWidth(SheetName, "A", "A", 38)
	_ = f.SetColWidth(SheetName, "B", "B", 32)
	_ = f.SetColWidth(SheetName, "C", "E", 14)
	_ = f.SetColWidth(SheetName, "F", "F", 22)
	_ = f.SetColWidth(SheetName, "G", "K", 10)
	_ = f.SetColWidth(SheetName, "L", "M", 20)
	_ = f.SetColWidth(SheetName, "N", "N", 20)
	_ = f.SetColWidth(SheetName, "O", "O", 48)
	_ = f.SetColWidth(SheetName, "P", "P", 60)
	_ = f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(timeLayout)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
