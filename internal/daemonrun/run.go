package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"docqc/internal/config"
	"docqc/internal/daemon"
	"docqc/internal/deps"
	"docqc/internal/logging"
	"docqc/internal/workerpool"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// ConfigPath is forwarded to worker processes so they load the same
	// converter settings.
	ConfigPath string
}

// Run starts the docqc daemon and blocks until SIGINT/SIGTERM, cmdCtx
// cancellation or a fatal component error.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logPath := filepath.Join(cfg.Paths.LogDir, "docqc.log")
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if cfg.Workers.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve worker binary: %w", err)
		}
		cfg.Workers.Binary = exe
	}
	launcher := workerpool.ProcessLauncher{Binary: cfg.Workers.Binary}
	if opts.ConfigPath != "" {
		launcher.Args = []string{"--config", opts.ConfigPath}
	}

	d, err := daemon.New(cfg, logger, daemon.WithLauncher(launcher))
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	logger = d.Logger()
	logDependencySnapshot(logger, cfg)

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration, watch roots and job store access"),
		)
		return err
	}
	pidPath := daemon.PIDPath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		logging.WarnWithContext(logger, "unable to write pid file", "pid_file_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "docqc stop cannot find this daemon"),
			logging.String(logging.FieldErrorHint, "check permissions on paths.state_dir"),
		)
	}
	defer os.Remove(pidPath)

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("docqc daemon shutting down")
	case runErr = <-d.Fatal():
		logger.Error("docqc daemon stopping after component failure", logging.Error(runErr))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdownTimeout bounds Stop: the job grace period plus time for the pool
// to signal, wait and kill its workers.
func shutdownTimeout(cfg *config.Config) time.Duration {
	grace := time.Duration(cfg.Workflow.ShutdownGraceSeconds+cfg.Workers.ShutdownGraceSeconds) * time.Second
	return grace + 10*time.Second
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("review_configured", cfg.ReviewConfigured()),
		logging.Bool("review_key_present", cfg.Review.APIKey != ""),
		logging.String("worker_binary", cfg.Workers.Binary),
	}
	for _, status := range deps.CheckBinaries(deps.ConverterRequirements(cfg)) {
		if status.Command == "" {
			continue
		}
		attrs = append(attrs, logging.Bool(status.Command+"_available", status.Available))
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
}
