package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"docqc/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.ReportsDir = filepath.Join(base, "reports")
	cfgVal.Paths.ArtifactsDir = filepath.Join(base, "artifacts")
	cfgVal.Watch.Roots = []string{filepath.Join(base, "inbox")}
	cfgVal.Workers.Binary = "docqc-test"
	cfgVal.API.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	for _, dir := range append([]string{
		cfgVal.Paths.StateDir,
		cfgVal.Paths.LogDir,
		cfgVal.Paths.ReportsDir,
		cfgVal.Paths.ArtifactsDir,
	}, cfgVal.Watch.Roots...) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return builder.cfg
}

// WithReviewService points the review client at baseURL.
func WithReviewService(baseURL string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Review.BaseURL = baseURL
		b.cfg.Review.APIKey = "test"
		b.cfg.Review.RetryBaseMS = 1
		b.cfg.Review.RetryMaxMS = 5
		b.cfg.Review.RequestsPerSecond = 0
	}
}

// WithConcurrency overrides the admission ceiling.
func WithConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.Concurrency = n
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, pandoc is stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"pandoc"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}

// WatchRoot returns the first watched root of the generated config.
func WatchRoot(cfg *config.Config) string {
	if len(cfg.Watch.Roots) == 0 {
		return ""
	}
	return cfg.Watch.Roots[0]
}

// WithShellConverters replaces the converter commands with cp and cat so
// pipelines run without external document tools.
func WithShellConverters() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Converter.DocumentCommand = []string{"cp", "{input}", "{output}"}
		b.cfg.Converter.MergeCommand = []string{"sh", "-c", `out="$1"; shift; cat "$@" > "$out"`, "sh", "{output}", "{inputs}"}
		b.cfg.Converter.ReportCommand = []string{"cp", "{input}", "{output}"}
		b.cfg.Converter.TimeoutSeconds = 5
	}
}
