package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "docqc",
		Short:         "Document QC pipeline",
		Long: "docqc watches chapter folders for manuscripts and review reports, converts them,\n" +
			"submits them to the review service and records every job in a local SQLite store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(
		newRunCommand(ctx),
		newStopCommand(ctx),
		newStatusCommand(ctx),
		newWorkerCommand(ctx),
	)
	rootCmd.AddCommand(
		newJobsCommand(ctx),
		newLocksCommand(ctx),
		newConfigCommand(ctx),
		newPreflightCommand(ctx),
	)

	return rootCmd
}
