package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"docqc/internal/config"
	"docqc/internal/jobs"
	"docqc/internal/lockmgr"
	"docqc/internal/logging"
	"docqc/internal/notifications"
	"docqc/internal/review"
	"docqc/internal/workerpool"
)

// ErrShuttingDown is returned by admission once Stop has begun.
var ErrShuttingDown = errors.New("workflow shutting down")

// ErrJobActive is returned when removing a job the orchestrator still owns.
var ErrJobActive = errors.New("job is still active")

// Dispatcher runs tasks on conversion workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskType workerpool.TaskType, payload any, progress func(float64)) (json.RawMessage, error)
}

// ReviewClient is the subset of the review client the orchestrator uses.
type ReviewClient interface {
	IsConfigured() bool
	Submit(ctx context.Context, artifactPath, name string) (review.Submission, error)
	PollStatus(ctx context.Context, id string) (review.StatusResult, error)
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Store    *jobs.Store
	Locks    *lockmgr.Manager
	Pool     Dispatcher
	Review   ReviewClient
	Notifier notifications.Service
	Logger   *slog.Logger
}

// Manager coordinates admission, the local job leg and review polling.
type Manager struct {
	cfg      *config.Config
	store    *jobs.Store
	locks    *lockmgr.Manager
	pool     Dispatcher
	review   ReviewClient
	notifier notifications.Service
	logger   *slog.Logger
	hub      *hub

	mu       sync.Mutex
	queue    []string
	queued   map[string]struct{}
	active   int
	ceiling  int
	running  bool
	closing  bool
	cancel   context.CancelFunc
	wake     chan struct{}
	jobsWG   sync.WaitGroup
	loopDone chan struct{}
	cron     *cron.Cron
	offline  bool
	lastErr  error
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notifications.NewNoop()
	}
	ceiling := cfg.Workflow.Concurrency
	if ceiling <= 0 {
		ceiling = 1
	}
	return &Manager{
		cfg:      cfg,
		store:    deps.Store,
		locks:    deps.Locks,
		pool:     deps.Pool,
		review:   deps.Review,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "workflow"),
		hub:      newHub(),
		queued:   make(map[string]struct{}),
		ceiling:  ceiling,
		wake:     make(chan struct{}, 1),
	}
}

// Start recovers interrupted jobs, then begins draining the queue and
// polling the review service.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if m.store == nil || m.locks == nil || m.pool == nil {
		m.mu.Unlock()
		return errors.New("workflow dependencies not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.closing = false
	m.loopDone = make(chan struct{})
	m.mu.Unlock()

	if err := m.Recover(runCtx); err != nil {
		m.logger.Warn("startup recovery incomplete; some interrupted jobs may need a manual retry",
			logging.Error(err),
			logging.String(logging.FieldEventType, "recovery_failed"),
			logging.String(logging.FieldErrorHint, "run docqc jobs list --status failed"),
		)
	}

	go m.drainLoop(runCtx)

	interval := m.cfg.PollInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", interval), func() { m.PollNow(runCtx) }); err != nil {
		cancel()
		<-m.loopDone
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("schedule review polling: %w", err)
	}
	scheduler.Start()
	m.mu.Lock()
	m.cron = scheduler
	m.mu.Unlock()

	m.logger.Info("workflow started",
		logging.Int("concurrency", m.ceiling),
		logging.Duration("poll_interval", interval),
		logging.Bool("review_configured", m.review != nil && m.review.IsConfigured()),
	)
	m.publishQueue()
	return nil
}

// Stop halts intake, waits for the poll loop, then gives running jobs the
// configured grace period before cancelling them.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.closing = true
	m.running = false
	scheduler := m.cron
	cancel := m.cancel
	loopDone := m.loopDone
	m.cron = nil
	m.cancel = nil
	dropped := len(m.queue)
	m.queue = nil
	m.queued = make(map[string]struct{})
	m.mu.Unlock()

	if scheduler != nil {
		stopped := scheduler.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}

	finished := make(chan struct{})
	go func() {
		m.jobsWG.Wait()
		close(finished)
	}()
	grace := time.Duration(m.cfg.Workflow.ShutdownGraceSeconds) * time.Second
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		m.logger.Warn("running jobs did not finish within shutdown grace; interrupting",
			logging.Duration("grace", grace),
			logging.String(logging.FieldEventType, "shutdown_grace_exceeded"),
			logging.String(logging.FieldImpact, "interrupted jobs are marked failed and retried on next start"),
			logging.String(logging.FieldErrorHint, "raise workflow.shutdown_grace_seconds for long conversions"),
		)
	case <-ctx.Done():
	}
	cancel()
	<-loopDone
	select {
	case <-finished:
	case <-ctx.Done():
	}
	m.hub.close()
	m.logger.Info("workflow stopped", logging.Int("dropped_queued", dropped))
}

// Status summarizes the manager for health endpoints and the CLI.
type Status struct {
	Running       bool
	QueueDepth    int
	Active        int
	Concurrency   int
	ServiceOnline bool
	LastError     string
}

// Status returns the current manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{
		Running:       m.running,
		QueueDepth:    len(m.queue),
		Active:        m.active,
		Concurrency:   m.ceiling,
		ServiceOnline: !m.offline,
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	return status
}

// Subscribe registers a telemetry consumer. The returned cancel function
// must be called to release it.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	return m.hub.subscribe()
}

// Store returns the job store the manager writes to.
func (m *Manager) Store() *jobs.Store {
	return m.store
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
