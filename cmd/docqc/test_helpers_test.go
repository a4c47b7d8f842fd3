package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"docqc/internal/config"
	"docqc/internal/jobs"
	"docqc/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "docqc.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, configPath: configPath}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\nstate_dir = %q\nlog_dir = %q\nreports_dir = %q\nartifacts_dir = %q\n\n[watch]\nroots = [%q]\n\n[review]\nbase_url = %q\napi_key = %q\n\n[api]\nbind = %q\n\n[converter]\ndocument_command = %s\nmerge_command = %s\nreport_command = %s\n",
		cfg.Paths.StateDir,
		cfg.Paths.LogDir,
		cfg.Paths.ReportsDir,
		cfg.Paths.ArtifactsDir,
		testsupport.WatchRoot(cfg),
		cfg.Review.BaseURL,
		cfg.Review.APIKey,
		cfg.API.Bind,
		tomlArray(cfg.Converter.DocumentCommand),
		tomlArray(cfg.Converter.MergeCommand),
		tomlArray(cfg.Converter.ReportCommand),
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func tomlArray(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	return runCLIWithInput(t, args, configPath, "")
}

func runCLIWithInput(t *testing.T, args []string, configPath, stdin string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func (env *cliTestEnv) seedJob(t *testing.T, name string) *jobs.Job {
	t.Helper()
	store := testsupport.MustOpenStore(t, env.cfg)
	job, err := store.Create(context.Background(), jobs.NewJob{
		FilePath: filepath.Join(testsupport.WatchRoot(env.cfg), "chapter-1", name),
		Folder:   "chapter-1",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	return job
}

func (env *cliTestEnv) failJob(t *testing.T, id, message string) {
	t.Helper()
	store := testsupport.MustOpenStore(t, env.cfg)
	defer store.Close()
	if _, err := store.Transition(context.Background(), id, jobs.Event{Kind: jobs.EventFail, Message: message}); err != nil {
		t.Fatalf("fail job: %v", err)
	}
}

func (env *cliTestEnv) job(t *testing.T, id string) *jobs.Job {
	t.Helper()
	store := testsupport.MustOpenStore(t, env.cfg)
	defer store.Close()
	job, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected output to contain %q\noutput:\n%s", substr, output)
	}
}
