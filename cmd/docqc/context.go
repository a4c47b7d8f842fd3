package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"docqc/internal/api"
	"docqc/internal/config"
	"docqc/internal/daemonctl"
	"docqc/internal/jobs"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configSeen bool
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configSeen = exists
	})
	return c.config, c.configErr
}

// loadedConfigPath returns the config file in use, or "" when defaults
// were used.
func (c *commandContext) loadedConfigPath() string {
	if !c.configSeen {
		return ""
	}
	return c.configPath
}

func (c *commandContext) withStore(fn func(*jobs.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := jobs.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// daemonClient returns an API client when a daemon holds the instance lock
// and serves the API, or nil when commands should act on the store.
func (c *commandContext) daemonClient(ctx context.Context) (*api.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	running, _, err := daemonctl.ProcessInfo(cfg)
	if err != nil || !running {
		return nil, err
	}
	client, err := api.NewClient(cfg.API)
	if err != nil {
		return nil, fmt.Errorf("daemon is running but its API is unreachable: %w", err)
	}
	if _, err := client.Health(ctx); err != nil {
		return nil, fmt.Errorf("daemon is running but its API is unreachable: %w", err)
	}
	return client, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
