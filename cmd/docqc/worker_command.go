package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docqc/internal/converter"
	"docqc/internal/logging"
	"docqc/internal/workerpool"
)

// newWorkerCommand is the entrypoint the daemon's pool launches for each
// worker slot. Stdout carries the worker protocol, so logs go to stderr.
func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var taskType string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve conversion tasks over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			tt, err := workerpool.ParseTaskType(taskType)
			if err != nil {
				return err
			}
			handler, ok := converter.Handlers(&cfg.Converter)[tt]
			if !ok {
				return fmt.Errorf("no handler for task type %s", tt)
			}
			logger, err := logging.New(logging.Options{
				Level:       cfg.Logging.Level,
				Format:      "json",
				OutputPaths: []string{"stderr"},
			})
			if err != nil {
				return err
			}
			logger = logging.NewComponentLogger(logger, "worker").With(
				logging.String("task_type", string(tt)),
				logging.Int("pid", os.Getpid()),
			)
			logger.Debug("worker ready")
			if err := workerpool.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), tt, handler); err != nil {
				logger.Error("worker stopped", logging.Error(err))
				return err
			}
			logger.Debug("worker input closed")
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "Task type to serve (convert-document, convert-report, parse-report)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
