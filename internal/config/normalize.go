package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeWatch(); err != nil {
		return err
	}
	if err := c.normalizeWorkers(); err != nil {
		return err
	}
	c.normalizeConverter()
	c.normalizeReview()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.ReportsDir, err = expandPath(c.Paths.ReportsDir); err != nil {
		return fmt.Errorf("paths.reports_dir: %w", err)
	}
	if c.Paths.ArtifactsDir, err = expandPath(c.Paths.ArtifactsDir); err != nil {
		return fmt.Errorf("paths.artifacts_dir: %w", err)
	}
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	c.API.Token = strings.TrimSpace(c.API.Token)
	return nil
}

func (c *Config) normalizeWatch() error {
	roots := make([]string, 0, len(c.Watch.Roots))
	seen := make(map[string]struct{}, len(c.Watch.Roots))
	for _, root := range c.Watch.Roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		expanded, err := expandPath(root)
		if err != nil {
			return fmt.Errorf("watch.roots: %w", err)
		}
		if _, ok := seen[expanded]; ok {
			continue
		}
		seen[expanded] = struct{}{}
		roots = append(roots, expanded)
	}
	c.Watch.Roots = roots

	exts := make([]string, 0, len(c.Watch.Extensions))
	for _, ext := range c.Watch.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	if len(exts) == 0 {
		exts = append(exts, defaultExtensions...)
	}
	c.Watch.Extensions = exts

	c.Locks.DirName = strings.TrimSpace(c.Locks.DirName)
	if c.Locks.DirName == "" {
		c.Locks.DirName = defaultLockDirName
	}
	return nil
}

func (c *Config) normalizeWorkers() error {
	binary := strings.TrimSpace(c.Workers.Binary)
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("workers.binary: resolve executable: %w", err)
		}
		binary = exe
	}
	c.Workers.Binary = binary
	return nil
}

func (c *Config) normalizeConverter() {
	if len(c.Converter.DocumentCommand) == 0 {
		c.Converter.DocumentCommand = append([]string(nil), defaultDocumentCommand...)
	}
	if len(c.Converter.MergeCommand) == 0 {
		c.Converter.MergeCommand = append([]string(nil), defaultMergeCommand...)
	}
	if len(c.Converter.ReportCommand) == 0 {
		c.Converter.ReportCommand = append([]string(nil), defaultReportCommand...)
	}
	ext := strings.ToLower(strings.TrimSpace(c.Converter.CanonicalExtension))
	if ext == "" {
		ext = defaultCanonicalExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	c.Converter.CanonicalExtension = ext
}

func (c *Config) normalizeReview() {
	if c.Review.BaseURL == "" {
		if value, ok := os.LookupEnv("DOCQC_REVIEW_URL"); ok {
			c.Review.BaseURL = value
		}
	}
	if c.Review.APIKey == "" {
		if value, ok := os.LookupEnv("DOCQC_REVIEW_API_KEY"); ok {
			c.Review.APIKey = value
		}
	}
	c.Review.BaseURL = strings.TrimRight(strings.TrimSpace(c.Review.BaseURL), "/")
	c.Review.APIKey = strings.TrimSpace(c.Review.APIKey)
	if strings.TrimSpace(c.Review.SubmitPath) == "" {
		c.Review.SubmitPath = defaultReviewSubmitPath
	}
	if strings.TrimSpace(c.Review.StatusPath) == "" {
		c.Review.StatusPath = defaultReviewStatusPath
	}
}

func (c *Config) normalizeNotifications() {
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("DOCQC_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = value
		}
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
