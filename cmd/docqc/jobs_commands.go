package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docqc/internal/api"
	"docqc/internal/config"
	"docqc/internal/export"
	"docqc/internal/jobs"
)

const listTimeLayout = "2006-01-02 15:04"

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"job"},
		Short:   "Inspect and manage QC jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsStatsCommand(ctx))
	jobsCmd.AddCommand(newJobsRetryCommand(ctx))
	jobsCmd.AddCommand(newJobsRemoveCommand(ctx))
	jobsCmd.AddCommand(newJobsExportCommand(ctx))
	return jobsCmd
}

type listFlags struct {
	statuses []string
	folder   string
	batch    string
	limit    int
	offset   int
}

func (f *listFlags) register(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringSliceVarP(&f.statuses, "status", "s", nil, "Only include jobs in these statuses (repeatable)")
	cmd.Flags().StringVar(&f.folder, "folder", "", "Only include jobs from this chapter folder")
	cmd.Flags().StringVar(&f.batch, "batch", "", "Only include jobs from this batch")
	cmd.Flags().IntVar(&f.limit, "limit", defaultLimit, "Maximum number of jobs (0 for all)")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "Number of jobs to skip")
}

func (f *listFlags) filter() (jobs.Filter, error) {
	filter := jobs.Filter{
		Folder:  strings.TrimSpace(f.folder),
		BatchID: strings.TrimSpace(f.batch),
		Limit:   f.limit,
		Offset:  f.offset,
	}
	if f.limit < 0 || f.offset < 0 {
		return filter, errors.New("limit and offset must be >= 0")
	}
	for _, raw := range f.statuses {
		status, ok := jobs.ParseStatus(raw)
		if !ok {
			return filter, fmt.Errorf("unknown status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return filter, nil
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var flags listFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *jobs.Store) error {
				page, err := store.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					list := make([]api.Job, 0, len(page.Jobs))
					for _, job := range page.Jobs {
						list = append(list, api.FromJob(job))
					}
					return writeJSON(cmd, api.JobListResponse{Jobs: list, Total: page.Total})
				}
				out := cmd.OutOrStdout()
				if len(page.Jobs) == 0 {
					fmt.Fprintln(out, "No jobs found")
					return nil
				}
				fmt.Fprintln(out, renderJobTable(page.Jobs, shouldColorize(out)))
				if page.Total > len(page.Jobs) {
					fmt.Fprintf(out, "Showing %d of %d jobs\n", len(page.Jobs), page.Total)
				}
				return nil
			})
		},
	}
	flags.register(cmd, 50)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func renderJobTable(list []*jobs.Job, colorize bool) string {
	headers := []string{"ID", "Name", "Folder", "Status", "Issues", "H/M/L", "Score", "Updated"}
	rows := make([][]string, 0, len(list))
	for _, job := range list {
		rows = append(rows, []string{
			shortID(job.ID),
			job.DisplayName(),
			job.Folder,
			statusCell(job.Status, colorize),
			strconv.Itoa(job.Issues.Found),
			fmt.Sprintf("%d/%d/%d", job.Issues.High, job.Issues.Medium, job.Issues.Low),
			formatScore(job.Score),
			job.UpdatedAt.Local().Format(listTimeLayout),
		})
	}
	return renderTable(headers, rows, []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft})
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *jobs.Store) error {
				job, err := store.GetByID(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %s not found", args[0])
				}
				if asJSON {
					return writeJSON(cmd, api.FromJob(job))
				}
				writeJobDetail(cmd, job)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func writeJobDetail(cmd *cobra.Command, job *jobs.Job) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	field := func(label, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fmt.Fprintf(out, "%-18s %s\n", label+":", value)
	}
	field("ID", job.ID)
	field("Name", job.DisplayName())
	field("Status", statusCell(job.Status, colorize))
	field("File", job.FilePath)
	field("Folder", job.Folder)
	field("Chapter", job.Chapter)
	field("Role", string(job.Role))
	if len(job.SourceFiles) > 0 {
		field("Sources", strings.Join(job.SourceFiles, ", "))
	}
	field("Batch", job.BatchID)
	field("Processed by", job.ProcessedBy)
	field("External ID", job.ExternalID)
	field("Artifact", job.ArtifactPath)
	field("Report", job.ReportPath)
	field("Final report", job.FinalReportPath)
	if job.Status.IsSuccess() {
		field("Issues", fmt.Sprintf("%d (high %d, medium %d, low %d)", job.Issues.Found, job.Issues.High, job.Issues.Medium, job.Issues.Low))
		field("Score", formatScore(job.Score))
	}
	if job.RetryCount > 0 {
		field("Deferred polls", strconv.Itoa(job.RetryCount))
	}
	field("Error", job.ErrorMessage)
	field("Created", formatTimestamp(&job.CreatedAt))
	field("Updated", formatTimestamp(&job.UpdatedAt))
	field("Submitted", formatTimestamp(job.SubmittedAt))
	field("Completed", formatTimestamp(job.CompletedAt))
}

func newJobsStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the job store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *jobs.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderStatsTable(stats))
				return nil
			})
		},
	}
}

func renderStatsTable(stats jobs.Stats) string {
	rows := [][]string{
		{"Queued", strconv.Itoa(stats.Queued)},
		{"Processing", strconv.Itoa(stats.Processing)},
		{"Completed", strconv.Itoa(stats.Completed)},
		{"Needs verification", strconv.Itoa(stats.NeedsVerification)},
		{"Failed", strconv.Itoa(stats.Failed)},
		{"Total", strconv.Itoa(stats.Total)},
		{"Completed today", strconv.Itoa(stats.CompletedToday)},
		{"Completed this week", strconv.Itoa(stats.CompletedThisWeek)},
		{"Average score", formatScore(stats.AverageScore)},
	}
	turnaround := "-"
	if stats.TurnaroundSamples > 0 {
		turnaround = stats.AverageTurnaround.Round(time.Second).String()
	}
	rows = append(rows,
		[]string{"Average turnaround", turnaround},
		[]string{"Last completion", formatTimestamp(stats.LastCompletionTime)},
	)
	return renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}

func newJobsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Re-queue failed jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.daemonClient(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if client != nil {
				for _, id := range args {
					if _, err := client.Retry(cmd.Context(), id); err != nil {
						return fmt.Errorf("retry %s: %w", id, err)
					}
					fmt.Fprintf(out, "Job %s queued for retry\n", id)
				}
				return nil
			}
			return ctx.withStore(func(store *jobs.Store) error {
				for _, id := range args {
					job, err := store.GetByID(cmd.Context(), id)
					if err != nil {
						return err
					}
					if job == nil {
						return fmt.Errorf("job %s not found", id)
					}
					if !job.Status.IsFailure() {
						return fmt.Errorf("job %s is %s; only failed jobs can be retried", id, job.Status.Label())
					}
					if _, err := store.Transition(cmd.Context(), id, jobs.Event{Kind: jobs.EventRetry}); err != nil {
						return fmt.Errorf("retry %s: %w", id, err)
					}
					fmt.Fprintf(out, "Job %s queued; it will run when the daemon starts\n", id)
				}
				return nil
			})
		},
	}
}

func newJobsRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete finished jobs from the store",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.daemonClient(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if client != nil {
				for _, id := range args {
					if err := client.Remove(cmd.Context(), id); err != nil {
						return fmt.Errorf("remove %s: %w", id, err)
					}
					fmt.Fprintf(out, "Job %s removed\n", id)
				}
				return nil
			}
			return ctx.withStore(func(store *jobs.Store) error {
				for _, id := range args {
					job, err := store.GetByID(cmd.Context(), id)
					if err != nil {
						return err
					}
					if job == nil {
						return fmt.Errorf("job %s not found", id)
					}
					if !job.Status.IsTerminal() {
						return fmt.Errorf("job %s is %s; active jobs cannot be removed", id, job.Status.Label())
					}
					if _, err := store.Remove(cmd.Context(), id); err != nil {
						return fmt.Errorf("remove %s: %w", id, err)
					}
					fmt.Fprintf(out, "Job %s removed\n", id)
				}
				return nil
			})
		},
	}
}

func newJobsExportCommand(ctx *commandContext) *cobra.Command {
	var flags listFlags
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export jobs to an XLSX spreadsheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			target := strings.TrimSpace(output)
			if target == "" {
				target = "docqc-jobs-" + time.Now().Format("20060102-150405") + ".xlsx"
			}
			target, err = config.ExpandPath(target)
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *jobs.Store) error {
				page, err := store.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
					return fmt.Errorf("create export directory: %w", err)
				}
				file, err := os.Create(target)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				if err := export.WriteXLSX(file, page.Jobs); err != nil {
					file.Close()
					return err
				}
				if err := file.Close(); err != nil {
					return fmt.Errorf("close export file: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d jobs to %s\n", len(page.Jobs), target)
				return nil
			})
		},
	}
	flags.register(cmd, 0)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination .xlsx file")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return strconv.FormatFloat(*score, 'f', 1, 64)
}

func formatTimestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}
