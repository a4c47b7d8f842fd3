package preflight

import (
	"context"

	"docqc/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
	// Optional results are reported but do not fail the run.
	Optional bool
}

// RunAll executes every preflight check for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	for _, root := range cfg.Watch.Roots {
		results = append(results, CheckDirectoryAccess("Watch root", root))
	}
	results = append(results,
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Reports directory", cfg.Paths.ReportsDir),
	)
	if cfg.Paths.ArtifactsDir != "" {
		results = append(results, CheckDirectoryAccess("Artifacts directory", cfg.Paths.ArtifactsDir))
	}
	results = append(results, CheckConverters(cfg)...)
	results = append(results, CheckReview(ctx, cfg.Review))
	return results
}

// Failed reports whether any required check failed.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed && !r.Optional {
			return true
		}
	}
	return false
}
