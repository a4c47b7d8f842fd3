package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"docqc/internal/api"
	"docqc/internal/config"
	"docqc/internal/detector"
	"docqc/internal/jobs"
	"docqc/internal/lockmgr"
	"docqc/internal/logging"
	"docqc/internal/notifications"
	"docqc/internal/review"
	"docqc/internal/workerpool"
	"docqc/internal/workflow"
)

const (
	lockFileName = "docqc.lock"
	pidFileName  = "docqc.pid"
)

// ErrAlreadyRunning is returned by Start when another daemon holds the
// instance lock for the same state directory.
var ErrAlreadyRunning = errors.New("another docqc daemon instance is already running")

// LockPath returns the single-instance lock file for cfg.
func LockPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, lockFileName)
}

// PIDPath returns the pid file written by a running daemon for cfg.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, pidFileName)
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithLauncher replaces the subprocess worker launcher.
func WithLauncher(launcher workerpool.Launcher) Option {
	return func(d *Daemon) {
		d.launcher = launcher
	}
}

// WithNotifier replaces the notifier built from configuration.
func WithNotifier(notifier notifications.Service) Option {
	return func(d *Daemon) {
		if notifier != nil {
			d.notifier = notifier
		}
	}
}

// WithLockOptions passes options to the file lock manager.
func WithLockOptions(opts ...lockmgr.Option) Option {
	return func(d *Daemon) {
		d.lockOpts = append(d.lockOpts, opts...)
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(d *Daemon) {
		if id != "" {
			d.runID = id
		}
	}
}

// Daemon owns every runtime component and their start and stop order.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	runID    string
	lockPath string
	lock     *flock.Flock
	launcher workerpool.Launcher
	notifier notifications.Service
	lockOpts []lockmgr.Option

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	stopWatch  context.CancelFunc
	watchersWG sync.WaitGroup
	store      *jobs.Store
	pool       *workerpool.Pool
	workflow   *workflow.Manager
	api        *api.Server
	fatal      chan error
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	RunID        string
	Workflow     workflow.Status
	Workers      []workerpool.SlotStatus
	StorePath    string
	LockFilePath string
	APIAddress   string
}

// New constructs a daemon. Components are built by Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{
		cfg:      cfg,
		runID:    uuid.NewString(),
		lockPath: LockPath(cfg),
		notifier: notifications.NewService(cfg),
		fatal:    make(chan error, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logger.With(logging.String(logging.FieldRunID, d.runID))
	d.lock = flock.New(d.lockPath)
	if d.launcher == nil {
		binary := cfg.Workers.Binary
		if binary == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolve worker binary: %w", err)
			}
			binary = exe
		}
		d.launcher = workerpool.ProcessLauncher{Binary: binary}
	}
	return d, nil
}

// RunID identifies this daemon run in logs.
func (d *Daemon) RunID() string {
	return d.runID
}

// Logger returns the run-scoped logger.
func (d *Daemon) Logger() *slog.Logger {
	return d.logger
}

// Fatal reports errors that stop the daemon after a successful Start, such
// as the watcher failing to set up its roots.
func (d *Daemon) Fatal() <-chan error {
	return d.fatal
}

// Start acquires the instance lock and starts the store, worker pool,
// orchestrator, detector and API in that order. Any failure tears down what
// was already started.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon already running")
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	// Components outlive a cancelled caller context so Stop can drain them in order.
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var cleanups []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		cancel()
		_ = d.lock.Unlock()
	}()

	store, err := jobs.Open(d.cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	cleanups = append(cleanups, func() { _ = store.Close() })

	var mgr *workflow.Manager
	pool := workerpool.New(d.launcher, workerpool.Config{
		Counts: map[workerpool.TaskType]int{
			workerpool.TaskConvertDocument: d.cfg.Workers.ConvertDocument,
			workerpool.TaskConvertReport:   d.cfg.Workers.ConvertReport,
			workerpool.TaskParseReport:     d.cfg.Workers.ParseReport,
		},
		InitTimeout:     time.Duration(d.cfg.Workers.InitTimeoutSeconds) * time.Second,
		DispatchTimeout: d.cfg.DispatchTimeout(),
		MaxRestarts:     d.cfg.Workers.MaxRestarts,
		RestartWindow:   time.Duration(d.cfg.Workers.RestartWindowSeconds) * time.Second,
		ShutdownGrace:   time.Duration(d.cfg.Workers.ShutdownGraceSeconds) * time.Second,
		Logger:          d.logger,
		OnEvent: func(ev workerpool.Event) {
			if mgr != nil {
				mgr.HandleWorkerEvent(ev)
			}
		},
	})
	locks := lockmgr.New(d.cfg.Locks.DirName, d.cfg.LockStaleAfter(),
		append([]lockmgr.Option{
			lockmgr.WithLogger(d.logger),
			lockmgr.WithCaseSensitiveKeys(d.cfg.Locks.CaseSensitive),
		}, d.lockOpts...)...)
	mgr = workflow.NewManager(d.cfg, workflow.Deps{
		Store:    store,
		Locks:    locks,
		Pool:     pool,
		Review:   review.New(d.cfg.Review),
		Notifier: d.notifier,
		Logger:   d.logger,
	})

	if err := pool.Start(base); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	cleanups = append(cleanups, func() { d.shutdownPool(pool) })

	if err := mgr.Start(base); err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}
	cleanups = append(cleanups, func() { d.stopWorkflow(mgr) })

	watchCtx, stopWatch := context.WithCancel(base)
	if len(d.cfg.Watch.Roots) > 0 {
		for _, root := range d.cfg.Watch.Roots {
			info, statErr := os.Stat(root)
			if statErr != nil {
				stopWatch()
				return fmt.Errorf("watch root %q: %w", root, statErr)
			}
			if !info.IsDir() {
				stopWatch()
				return fmt.Errorf("watch root %q is not a directory", root)
			}
		}
		det := detector.New(d.cfg.Watch, detector.WithLogger(d.logger))
		d.watchersWG.Add(2)
		go func() {
			defer d.watchersWG.Done()
			if runErr := det.Run(watchCtx); runErr != nil {
				d.logger.Error("file watcher stopped",
					logging.Error(runErr),
					logging.String(logging.FieldEventType, "detector_failed"),
					logging.String(logging.FieldErrorHint, "check watch.roots exist and are readable"),
				)
				select {
				case d.fatal <- runErr:
				default:
				}
			}
		}()
		go func() {
			defer d.watchersWG.Done()
			mgr.Watch(watchCtx, det.Events())
		}()
	}
	cleanups = append(cleanups, func() {
		stopWatch()
		d.watchersWG.Wait()
	})

	server := api.New(d.cfg.API, mgr, store, d.logger)
	if err := server.Start(base); err != nil {
		return fmt.Errorf("start api: %w", err)
	}

	d.running = true
	d.cancel = cancel
	d.stopWatch = stopWatch
	d.store = store
	d.pool = pool
	d.workflow = mgr
	d.api = server
	d.logger.Info("docqc daemon started",
		logging.String("lock", d.lockPath),
		logging.String("store", store.Path()),
		logging.String("api", server.Addr()),
		logging.Int("watch_roots", len(d.cfg.Watch.Roots)),
	)
	return nil
}

// Stop shuts components down in reverse dependency order: API, detector,
// orchestrator, worker pool, store, then the instance lock. Each step is
// bounded by ctx.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false

	var errs []error
	if err := d.api.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	d.stopWatch()
	watchDone := make(chan struct{})
	go func() {
		d.watchersWG.Wait()
		close(watchDone)
	}()
	select {
	case <-watchDone:
	case <-ctx.Done():
	}
	d.workflow.Stop(ctx)
	if err := d.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown worker pool: %w", err))
	}
	d.cancel()
	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close job store: %w", err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_unlock_failed"),
			logging.String(logging.FieldImpact, "the next start may report another instance running"),
			logging.String(logging.FieldErrorHint, "remove "+d.lockPath+" if no daemon is running"),
		)
	}
	d.store = nil
	d.pool = nil
	d.workflow = nil
	d.api = nil
	d.logger.Info("docqc daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) shutdownPool(pool *workerpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = pool.Shutdown(ctx)
}

func (d *Daemon) stopWorkflow(mgr *workflow.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Stop(ctx)
}

// Workflow returns the running orchestrator, or nil when stopped.
func (d *Daemon) Workflow() *workflow.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workflow
}

// APIAddress returns the bound API address, or "" when the API is disabled.
func (d *Daemon) APIAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.api == nil {
		return ""
	}
	return d.api.Addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := Status{
		Running:      d.running,
		RunID:        d.runID,
		StorePath:    d.cfg.StorePath(),
		LockFilePath: d.lockPath,
	}
	if d.workflow != nil {
		status.Workflow = d.workflow.Status()
	}
	if d.pool != nil {
		status.Workers = d.pool.Slots()
	}
	if d.api != nil {
		status.APIAddress = d.api.Addr()
	}
	return status
}
