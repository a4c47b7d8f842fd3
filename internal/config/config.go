package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir     string `toml:"state_dir"`
	LogDir       string `toml:"log_dir"`
	ReportsDir   string `toml:"reports_dir"`
	ArtifactsDir string `toml:"artifacts_dir"`
}

// Watch contains configuration for the file event detector.
type Watch struct {
	Roots           []string `toml:"roots"`
	Extensions      []string `toml:"extensions"`
	Nested          bool     `toml:"nested"`
	InitialScan     bool     `toml:"initial_scan"`
	StabilizationMS int      `toml:"stabilization_ms"`
	FolderSettleMS  int      `toml:"folder_settle_ms"`
	DedupWindowMS   int      `toml:"dedup_window_ms"`
}

// Locks contains configuration for the shared lock directory.
type Locks struct {
	DirName           string `toml:"dir_name"`
	StaleAfterSeconds int    `toml:"stale_after_seconds"`
	// CaseSensitive keeps letter case in lock keys. Leave it off when any
	// host reaches the watch roots through a case-insensitive filesystem.
	CaseSensitive bool `toml:"case_sensitive"`
}

// Workers contains configuration for the conversion worker pool.
type Workers struct {
	Binary                 string `toml:"binary"`
	ConvertDocument        int    `toml:"convert_document"`
	ConvertReport          int    `toml:"convert_report"`
	ParseReport            int    `toml:"parse_report"`
	InitTimeoutSeconds     int    `toml:"init_timeout_seconds"`
	DispatchTimeoutSeconds int    `toml:"dispatch_timeout_seconds"`
	MaxRestarts            int    `toml:"max_restarts"`
	RestartWindowSeconds   int    `toml:"restart_window_seconds"`
	ShutdownGraceSeconds   int    `toml:"shutdown_grace_seconds"`
}

// Converter contains argv templates for the native conversion collaborators.
// Templates accept {input}, {inputs}, {output} and {outdir} placeholders.
type Converter struct {
	DocumentCommand    []string `toml:"document_command"`
	MergeCommand       []string `toml:"merge_command"`
	ReportCommand      []string `toml:"report_command"`
	CanonicalExtension string   `toml:"canonical_extension"`
	TimeoutSeconds     int      `toml:"timeout_seconds"`
}

// Review contains configuration for the external review service.
type Review struct {
	BaseURL           string  `toml:"base_url"`
	APIKey            string  `toml:"api_key"`
	SubmitPath        string  `toml:"submit_path"`
	StatusPath        string  `toml:"status_path"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	MaxAttempts       int     `toml:"max_attempts"`
	RetryBaseMS       int     `toml:"retry_base_ms"`
	RetryMaxMS        int     `toml:"retry_max_ms"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// Workflow contains configuration for orchestration timing and admission.
type Workflow struct {
	Concurrency          int  `toml:"concurrency"`
	PollIntervalSeconds  int  `toml:"poll_interval_seconds"`
	ShutdownGraceSeconds int  `toml:"shutdown_grace_seconds"`
	NumberingCheck       bool `toml:"numbering_check"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobCompleted   bool   `toml:"job_completed"`
	JobFailed      bool   `toml:"job_failed"`
	ServiceOffline bool   `toml:"service_offline"`
	WorkerFailed   bool   `toml:"worker_failed"`
}

// API contains configuration for the HTTP jobs API.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for docqc.
//
// Configuration sections by subsystem:
//   - Paths: state, log, report and artifact directories
//   - Watch: watched roots and detector timing
//   - Locks: shared lock directory naming and staleness
//   - Workers: worker pool sizing and supervision limits
//   - Converter: native conversion command templates
//   - Review: external review service connection and retry settings
//   - Workflow: admission ceiling and poll interval
//   - Notifications: ntfy push notification settings
//   - API: HTTP jobs API bind address
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Watch         Watch         `toml:"watch"`
	Locks         Locks         `toml:"locks"`
	Workers       Workers       `toml:"workers"`
	Converter     Converter     `toml:"converter"`
	Review        Review        `toml:"review"`
	Workflow      Workflow      `toml:"workflow"`
	Notifications Notifications `toml:"notifications"`
	API           API           `toml:"api"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("docqc.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// Watch roots are not created; a missing root is reported by preflight.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.ReportsDir, c.Paths.ArtifactsDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// StorePath returns the job state database location.
func (c *Config) StorePath() string {
	return filepath.Join(c.Paths.StateDir, "jobs.db")
}

// LockStaleAfter returns the lock abandonment timeout.
func (c *Config) LockStaleAfter() time.Duration {
	return time.Duration(c.Locks.StaleAfterSeconds) * time.Second
}

// PollInterval returns the external status poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workflow.PollIntervalSeconds) * time.Second
}

// DispatchTimeout returns the per-dispatch worker timeout.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Workers.DispatchTimeoutSeconds) * time.Second
}

// ReviewConfigured reports whether the external review service has a URL.
func (c *Config) ReviewConfigured() bool {
	return strings.TrimSpace(c.Review.BaseURL) != ""
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
