package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"docqc/internal/daemon"
	"docqc/internal/daemonctl"
	"docqc/internal/daemonrun"
	"docqc/internal/jobs"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the docqc daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    logLevel,
				Development: development,
				ConfigPath:  ctx.loadedConfigPath(),
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&development, "dev", false, "Include source locations in log output")
	return cmd
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if grace <= 0 {
				grace = time.Duration(cfg.Workflow.ShutdownGraceSeconds+cfg.Workers.ShutdownGraceSeconds)*time.Second + 10*time.Second
			}
			out := cmd.OutOrStdout()
			result, err := daemonctl.Stop(cfg, grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			switch {
			case result.ForcedKill:
				fmt.Fprintf(out, "Daemon (pid %d) did not exit in %s and was killed\n", result.PID, grace)
			case result.StopAcknowledged:
				fmt.Fprintf(out, "Daemon (pid %d) stopped\n", result.PID)
			default:
				fmt.Fprintln(out, "Daemon already exited")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "Time to wait for a clean shutdown before killing the daemon")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and job store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(out, line)
			}
			running, pid, err := daemonctl.ProcessInfo(cfg)
			switch {
			case err != nil:
				fmt.Fprintln(out, renderStatusLine("Daemon", statusError, err.Error(), colorize))
			case running:
				detail := "Running"
				if pid > 0 {
					detail += " (pid " + strconv.Itoa(pid) + ")"
				}
				fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, detail, colorize))
				if client, err := ctx.daemonClient(cmd.Context()); err != nil {
					fmt.Fprintln(out, renderStatusLine("API", statusWarn, err.Error(), colorize))
				} else if client != nil {
					fmt.Fprintln(out, renderStatusLine("API", statusOK, cfg.API.Bind, colorize))
				}
			default:
				fmt.Fprintln(out, renderStatusLine("Daemon", statusInfo, "Not running", colorize))
			}
			fmt.Fprintln(out, renderStatusLine("Instance lock", statusInfo, daemon.LockPath(cfg), colorize))
			reviewKind, reviewDetail := statusOK, cfg.Review.BaseURL
			if !cfg.ReviewConfigured() {
				reviewKind, reviewDetail = statusWarn, "review.base_url not configured"
			}
			fmt.Fprintln(out, renderStatusLine("Review service", reviewKind, reviewDetail, colorize))

			fmt.Fprintln(out)
			return ctx.withStore(func(store *jobs.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				for _, line := range renderSectionHeader("Jobs", colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintln(out, renderStatsTable(stats))
				return nil
			})
		},
	}
}
