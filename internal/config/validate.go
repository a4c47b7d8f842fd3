package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWatch(); err != nil {
		return err
	}
	if err := c.validateLocks(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateConverter(); err != nil {
		return err
	}
	if err := c.validateReview(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateWatch() error {
	if c.Watch.StabilizationMS < 0 {
		return errors.New("watch.stabilization_ms must be >= 0")
	}
	if c.Watch.FolderSettleMS < 0 {
		return errors.New("watch.folder_settle_ms must be >= 0")
	}
	if c.Watch.DedupWindowMS < 0 {
		return errors.New("watch.dedup_window_ms must be >= 0")
	}
	return nil
}

func (c *Config) validateLocks() error {
	if c.Locks.StaleAfterSeconds <= 0 {
		return errors.New("locks.stale_after_seconds must be positive")
	}
	if strings.ContainsAny(c.Locks.DirName, `/\`) {
		return fmt.Errorf("locks.dir_name %q must be a single path element", c.Locks.DirName)
	}
	return nil
}

func (c *Config) validateWorkers() error {
	counts := map[string]int{
		"workers.convert_document": c.Workers.ConvertDocument,
		"workers.convert_report":   c.Workers.ConvertReport,
		"workers.parse_report":     c.Workers.ParseReport,
	}
	for key, value := range counts {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.Workers.InitTimeoutSeconds <= 0 {
		return errors.New("workers.init_timeout_seconds must be positive")
	}
	if c.Workers.DispatchTimeoutSeconds <= 0 {
		return errors.New("workers.dispatch_timeout_seconds must be positive")
	}
	if c.Workers.MaxRestarts < 0 {
		return errors.New("workers.max_restarts must be >= 0")
	}
	if c.Workers.RestartWindowSeconds <= 0 {
		return errors.New("workers.restart_window_seconds must be positive")
	}
	if c.Workers.ShutdownGraceSeconds < 0 {
		return errors.New("workers.shutdown_grace_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateConverter() error {
	if !containsPlaceholder(c.Converter.DocumentCommand, "{input}") {
		return errors.New("converter.document_command must reference {input}")
	}
	if !containsPlaceholder(c.Converter.MergeCommand, "{inputs}") {
		return errors.New("converter.merge_command must reference {inputs}")
	}
	if !containsPlaceholder(c.Converter.ReportCommand, "{input}") {
		return errors.New("converter.report_command must reference {input}")
	}
	if c.Converter.TimeoutSeconds <= 0 {
		return errors.New("converter.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateReview() error {
	if c.Review.BaseURL != "" {
		parsed, err := url.Parse(c.Review.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("review.base_url %q must be an absolute URL", c.Review.BaseURL)
		}
	}
	if !strings.Contains(c.Review.StatusPath, "{id}") {
		return errors.New("review.status_path must contain {id}")
	}
	if c.Review.TimeoutSeconds <= 0 {
		return errors.New("review.timeout_seconds must be positive")
	}
	if c.Review.MaxAttempts <= 0 {
		return errors.New("review.max_attempts must be positive")
	}
	if c.Review.RetryBaseMS < 0 || c.Review.RetryMaxMS < 0 {
		return errors.New("review retry delays must be >= 0")
	}
	if c.Review.RequestsPerSecond < 0 {
		return errors.New("review.requests_per_second must be >= 0")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.Concurrency <= 0 {
		return errors.New("workflow.concurrency must be positive")
	}
	if c.Workflow.PollIntervalSeconds <= 0 {
		return errors.New("workflow.poll_interval_seconds must be positive")
	}
	if c.Workflow.ShutdownGraceSeconds < 0 {
		return errors.New("workflow.shutdown_grace_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn, or error", c.Logging.Level)
	}
	return nil
}

func containsPlaceholder(args []string, placeholder string) bool {
	for _, arg := range args {
		if strings.Contains(arg, placeholder) {
			return true
		}
	}
	return false
}
