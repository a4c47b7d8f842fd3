package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docqc/internal/config"
	"docqc/internal/lockmgr"
)

func newLocksCommand(ctx *commandContext) *cobra.Command {
	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect the shared file locks under each watch root",
	}
	locksCmd.AddCommand(newLocksListCommand(ctx))
	locksCmd.AddCommand(newLocksSweepCommand(ctx))
	locksCmd.AddCommand(newLocksReleaseCommand(ctx))
	return locksCmd
}

func lockManager(cfg *config.Config) *lockmgr.Manager {
	return lockmgr.New(cfg.Locks.DirName, cfg.LockStaleAfter(), lockmgr.WithCaseSensitiveKeys(cfg.Locks.CaseSensitive))
}

func newLocksListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			mgr := lockManager(cfg)
			var records []lockmgr.Record
			for _, root := range cfg.Watch.Roots {
				found, err := mgr.List(root)
				if err != nil {
					return fmt.Errorf("list locks in %s: %w", root, err)
				}
				records = append(records, found...)
			}
			if asJSON {
				if records == nil {
					records = []lockmgr.Record{}
				}
				return writeJSON(cmd, records)
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No live locks")
				return nil
			}
			rows := make([][]string, 0, len(records))
			now := time.Now()
			for _, record := range records {
				rows = append(rows, []string{
					filepath.Base(record.FilePath),
					record.ProcessedBy,
					record.Hostname,
					shortID(record.JobID),
					now.Sub(record.AcquiredAt()).Round(time.Second).String(),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"File", "Held By", "Host", "Job", "Age"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newLocksSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale and corrupt lock records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			mgr := lockManager(cfg)
			removed := 0
			for _, root := range cfg.Watch.Roots {
				n, err := mgr.Sweep(cmd.Context(), root)
				if err != nil {
					return fmt.Errorf("sweep %s: %w", root, err)
				}
				removed += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale lock(s)\n", removed)
			return nil
		},
	}
}

func newLocksReleaseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "release <file>",
		Short: "Force-release the lock on a file",
		Long:  "Force-release the lock on a file. Use only when the holder is known to be gone; a live holder keeps processing and a second claimant may start on the same file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			target, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			root := watchRootFor(cfg, target)
			if root == "" {
				return fmt.Errorf("%s is not under a watch root", target)
			}
			mgr := lockManager(cfg)
			holder, err := mgr.Check(cmd.Context(), root, target)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if holder == nil {
				fmt.Fprintf(out, "%s is not locked\n", target)
				return nil
			}
			if err := mgr.Release(root, target); err != nil {
				return err
			}
			fmt.Fprintf(out, "Released lock held by %s on %s\n", holder.ProcessedBy, target)
			return nil
		},
	}
}

func watchRootFor(cfg *config.Config, path string) string {
	for _, root := range cfg.Watch.Roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}
