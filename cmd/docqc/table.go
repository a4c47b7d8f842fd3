package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"docqc/internal/jobs"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// statusCell renders a job status label, colored by outcome on terminals.
func statusCell(status jobs.Status, colorize bool) string {
	label := status.Label()
	if !colorize {
		return label
	}
	switch {
	case status.IsFailure():
		return text.Colors{text.FgRed}.Sprint(label)
	case status == jobs.StatusPendingVerification:
		return text.Colors{text.FgYellow}.Sprint(label)
	case status.IsSuccess():
		return text.Colors{text.FgGreen}.Sprint(label)
	case status.IsActive():
		return text.Colors{text.FgBlue}.Sprint(label)
	default:
		return label
	}
}
