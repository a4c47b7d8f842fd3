package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docqc/internal/logging"
	"docqc/internal/services"
)

const (
	defaultInitTimeout     = 30 * time.Second
	defaultDispatchTimeout = 5 * time.Minute
	defaultRestartWindow   = time.Minute
	defaultShutdownGrace   = 5 * time.Second
)

// ErrNotStarted is returned by Dispatch before Start succeeds.
var ErrNotStarted = errors.New("worker pool not started")

// Config sizes and supervises a Pool.
type Config struct {
	// Counts is the number of slots per task type.
	Counts          map[TaskType]int
	InitTimeout     time.Duration
	DispatchTimeout time.Duration
	// MaxRestarts caps restarts per slot within RestartWindow.
	MaxRestarts   int
	RestartWindow time.Duration
	ShutdownGrace time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
	// OnEvent is called outside the pool lock for restart and failure events.
	OnEvent func(Event)
}

// EventKind names a supervision event.
type EventKind string

const (
	EventWorkerRestarted EventKind = "worker-restarted"
	EventWorkerFailed    EventKind = "worker-failed"
)

// Event reports a supervision decision for one slot.
type Event struct {
	Kind     EventKind
	Type     TaskType
	Slot     int
	Restarts int
	Err      error
}

// SlotState describes the lifecycle of one worker slot.
type SlotState string

const (
	SlotStarting SlotState = "starting"
	SlotIdle     SlotState = "idle"
	SlotBusy     SlotState = "busy"
	SlotDead     SlotState = "dead"
	SlotStopped  SlotState = "stopped"
)

// SlotStatus is a snapshot of one slot.
type SlotStatus struct {
	Type     TaskType
	Index    int
	State    SlotState
	Restarts int
	TaskID   string
}

type outcome struct {
	result json.RawMessage
	err    error
}

type request struct {
	id        string
	typ       TaskType
	payload   json.RawMessage
	progress  func(float64)
	done      chan outcome
	assigned  bool
	abandoned bool
	finished  bool
}

type slot struct {
	typ      TaskType
	index    int
	conn     Conn
	state    SlotState
	current  *request
	restarts []time.Time
}

type assignment struct {
	conn Conn
	req  *request
}

// Pool dispatches tasks to supervised worker slots.
type Pool struct {
	launcher Launcher
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	slots   []*slot
	pending []*request
	started bool
	closing bool
	closed  chan struct{}
	seq     uint64

	wg sync.WaitGroup
}

// New constructs a Pool. Zero durations fall back to defaults.
func New(launcher Launcher, cfg Config) *Pool {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = defaultRestartWindow
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pool{
		launcher: launcher,
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "workerpool"),
		closed:   make(chan struct{}),
	}
}

// Start launches every slot and waits for each to announce readiness. Any
// failure stops the slots already running and is returned.
func (p *Pool) Start(ctx context.Context) error {
	if p.launcher == nil {
		return errors.New("worker launcher required")
	}
	p.mu.Lock()
	if p.started || p.closing {
		p.mu.Unlock()
		return errors.New("worker pool already started")
	}
	for _, typ := range TaskTypes() {
		for i := 0; i < p.cfg.Counts[typ]; i++ {
			p.slots = append(p.slots, &slot{typ: typ, index: i, state: SlotStarting})
		}
	}
	slots := append([]*slot(nil), p.slots...)
	p.mu.Unlock()

	if len(slots) == 0 {
		return errors.New("worker pool has no slots configured")
	}
	for _, s := range slots {
		if err := p.launchSlot(ctx, s); err != nil {
			_ = p.Shutdown(context.Background())
			return services.Wrap(services.ErrConfiguration, "workerpool", "start",
				fmt.Sprintf("worker %s#%d failed to initialize", s.typ, s.index), err)
		}
	}

	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	p.logger.Info("worker pool ready", logging.Int("slots", len(slots)))
	return nil
}

func (p *Pool) launchSlot(ctx context.Context, s *slot) error {
	conn, err := p.launcher.Launch(ctx, s.typ)
	if err != nil {
		return err
	}

	initCh := make(chan error, 1)
	go func() {
		msg, recvErr := conn.Recv()
		if recvErr == nil && (msg.Kind != KindInit || msg.Type != s.typ) {
			recvErr = fmt.Errorf("%w: expected init for %s, got %s", ErrMalformedMessage, s.typ, msg.Kind)
		}
		initCh <- recvErr
	}()

	timer := time.NewTimer(p.cfg.InitTimeout)
	defer timer.Stop()
	select {
	case err = <-initCh:
	case <-timer.C:
		err = services.Wrap(services.ErrTimeout, "workerpool", "init",
			fmt.Sprintf("no init within %s", p.cfg.InitTimeout), nil)
	case <-ctx.Done():
		err = ctx.Err()
	case <-p.closed:
		err = ErrPoolClosing
	}
	if err != nil {
		_ = conn.Kill()
		go func() { _ = conn.Wait() }()
		return err
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		_ = conn.Kill()
		go func() { _ = conn.Wait() }()
		return ErrPoolClosing
	}
	s.conn = conn
	s.state = SlotIdle
	p.wg.Add(1)
	p.mu.Unlock()

	go p.readLoop(s, conn)
	p.logger.Debug("worker ready", logging.Worker(slotName(s)))
	p.schedule()
	return nil
}

// ErrPoolClosing aliases the shutdown marker for callers that only import this package.
var ErrPoolClosing = services.ErrPoolShuttingDown

// Dispatch queues a task for the first idle slot of taskType and waits for
// its result. payload is JSON encoded. The wait is bounded by the dispatch
// timeout; on timeout a still-queued request is withdrawn while a running
// one is left to finish on its worker.
func (p *Pool) Dispatch(ctx context.Context, taskType TaskType, payload any, progress func(float64)) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "workerpool", "dispatch", "encode payload", err)
	}

	p.mu.Lock()
	switch {
	case p.closing:
		p.mu.Unlock()
		return nil, services.Wrap(services.ErrPoolShuttingDown, "workerpool", "dispatch", "pool is shutting down", nil)
	case !p.started:
		p.mu.Unlock()
		return nil, ErrNotStarted
	case !p.hasLiveLocked(taskType):
		p.mu.Unlock()
		return nil, services.Wrap(services.ErrWorkerCrash, "workerpool", "dispatch",
			fmt.Sprintf("no live %s workers", taskType), nil)
	}
	p.seq++
	req := &request{
		id:       fmt.Sprintf("%s-%d", taskType, p.seq),
		typ:      taskType,
		payload:  raw,
		progress: progress,
		done:     make(chan outcome, 1),
	}
	p.pending = append(p.pending, req)
	p.mu.Unlock()

	p.schedule()

	timer := time.NewTimer(p.cfg.DispatchTimeout)
	defer timer.Stop()
	select {
	case out := <-req.done:
		return out.result, out.err
	case <-timer.C:
		p.abandon(req)
		return nil, services.Wrap(services.ErrTimeout, "workerpool", "dispatch",
			fmt.Sprintf("%s task %s exceeded %s", taskType, req.id, p.cfg.DispatchTimeout), nil)
	case <-ctx.Done():
		p.abandon(req)
		return nil, ctx.Err()
	}
}

func (p *Pool) abandon(req *request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.assigned {
		req.abandoned = true
		return
	}
	p.removePendingLocked(req)
	req.finished = true
}

func (p *Pool) schedule() {
	p.mu.Lock()
	assignments := p.assignLocked()
	p.mu.Unlock()

	for _, a := range assignments {
		msg := Message{Kind: KindTask, TaskID: a.req.id, Type: a.req.typ, Payload: a.req.payload}
		if err := a.conn.Send(msg); err != nil {
			p.logger.Warn("worker send failed; terminating worker",
				logging.String("task_id", a.req.id),
				logging.Error(err),
			)
			_ = a.conn.Kill()
		}
	}
}

func (p *Pool) assignLocked() []assignment {
	if p.closing || len(p.pending) == 0 {
		return nil
	}
	var out []assignment
	remaining := p.pending[:0]
	for _, req := range p.pending {
		s := p.idleSlotLocked(req.typ)
		if s == nil {
			remaining = append(remaining, req)
			continue
		}
		s.state = SlotBusy
		s.current = req
		req.assigned = true
		out = append(out, assignment{conn: s.conn, req: req})
	}
	for i := len(remaining); i < len(p.pending); i++ {
		p.pending[i] = nil
	}
	p.pending = remaining
	return out
}

func (p *Pool) idleSlotLocked(typ TaskType) *slot {
	for _, s := range p.slots {
		if s.typ == typ && s.state == SlotIdle {
			return s
		}
	}
	return nil
}

func (p *Pool) hasLiveLocked(typ TaskType) bool {
	for _, s := range p.slots {
		if s.typ == typ && s.state != SlotDead && s.state != SlotStopped {
			return true
		}
	}
	return false
}

func (p *Pool) removePendingLocked(target *request) {
	for i, req := range p.pending {
		if req == target {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

func (p *Pool) completeLocked(req *request, out outcome) {
	if req == nil || req.finished {
		return
	}
	req.finished = true
	req.done <- out
}

func (p *Pool) readLoop(s *slot, conn Conn) {
	defer p.wg.Done()
	for {
		msg, err := conn.Recv()
		if err != nil {
			p.handleExit(s, conn, err)
			return
		}
		p.handleMessage(s, msg)
	}
}

func (p *Pool) handleMessage(s *slot, msg Message) {
	p.mu.Lock()
	req := s.current
	if req == nil || req.id != msg.TaskID {
		p.mu.Unlock()
		p.logger.Warn("worker message for unknown task",
			logging.Worker(slotName(s)),
			logging.String("task_id", msg.TaskID),
			logging.String("kind", string(msg.Kind)),
		)
		return
	}

	switch msg.Kind {
	case KindProgress:
		progress := req.progress
		abandoned := req.abandoned
		p.mu.Unlock()
		if progress != nil && !abandoned {
			progress(msg.Percent)
		}
		return
	case KindSuccess:
		p.completeLocked(req, outcome{result: msg.Result})
	case KindError:
		p.completeLocked(req, outcome{err: services.Wrap(services.ErrExternalTool, string(s.typ), "task", msg.Error, nil)})
	default:
		p.mu.Unlock()
		p.logger.Warn("unexpected worker message", logging.String("kind", string(msg.Kind)))
		return
	}
	s.current = nil
	if s.state == SlotBusy {
		s.state = SlotIdle
	}
	p.mu.Unlock()
	p.schedule()
}

func (p *Pool) handleExit(s *slot, conn Conn, cause error) {
	waitErr := conn.Wait()
	if waitErr != nil && cause == nil {
		cause = waitErr
	}
	p.crashed(s, cause)
}

// crashed applies the restart policy to a slot whose worker exited or failed to start.
func (p *Pool) crashed(s *slot, cause error) {
	var events []Event

	p.mu.Lock()
	s.conn = nil
	if req := s.current; req != nil {
		s.current = nil
		p.completeLocked(req, outcome{err: services.Wrap(services.ErrWorkerCrash, string(s.typ), "task",
			fmt.Sprintf("worker exited while running %s", req.id), cause)})
	}
	if p.closing {
		s.state = SlotStopped
		p.mu.Unlock()
		return
	}

	now := p.cfg.Now()
	cutoff := now.Add(-p.cfg.RestartWindow)
	kept := s.restarts[:0]
	for _, at := range s.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.restarts = kept

	restart := len(s.restarts) < p.cfg.MaxRestarts
	attempts := len(s.restarts)
	if restart {
		s.restarts = append(s.restarts, now)
		s.state = SlotStarting
		p.wg.Add(1)
		events = append(events, Event{Kind: EventWorkerRestarted, Type: s.typ, Slot: s.index, Restarts: len(s.restarts), Err: cause})
	} else {
		s.state = SlotDead
		events = append(events, Event{Kind: EventWorkerFailed, Type: s.typ, Slot: s.index, Restarts: len(s.restarts), Err: cause})
		if !p.hasLiveLocked(s.typ) {
			p.failPendingLocked(s.typ, services.Wrap(services.ErrWorkerCrash, "workerpool", "dispatch",
				fmt.Sprintf("no live %s workers", s.typ), cause))
		}
	}
	p.mu.Unlock()

	p.emit(events)
	if restart {
		p.logger.Warn("worker crashed; restarting",
			logging.Worker(slotName(s)),
			logging.Int("restarts_in_window", attempts+1),
			logging.Error(cause),
		)
		go func() {
			defer p.wg.Done()
			if err := p.launchSlot(context.Background(), s); err != nil && !errors.Is(err, ErrPoolClosing) {
				p.crashed(s, err)
			}
		}()
	} else {
		logging.ErrorWithContext(p.logger, "worker disabled after repeated crashes", "worker_failed",
			logging.Worker(slotName(s)),
			logging.String(logging.FieldErrorHint, "inspect the converter installation and worker logs"),
			logging.Error(cause),
		)
	}
}

func (p *Pool) failPendingLocked(typ TaskType, err error) {
	remaining := p.pending[:0]
	for _, req := range p.pending {
		if req.typ == typ {
			p.completeLocked(req, outcome{err: err})
			continue
		}
		remaining = append(remaining, req)
	}
	p.pending = remaining
}

func (p *Pool) emit(events []Event) {
	if p.cfg.OnEvent == nil {
		return
	}
	for _, ev := range events {
		p.cfg.OnEvent(ev)
	}
}

// Shutdown rejects pending and in-flight work, closes worker input, and
// force-kills workers that have not exited after the grace period.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	close(p.closed)
	shutdownErr := services.Wrap(services.ErrPoolShuttingDown, "workerpool", "shutdown", "pool is shutting down", nil)
	for _, req := range p.pending {
		p.completeLocked(req, outcome{err: shutdownErr})
	}
	p.pending = nil
	var conns []Conn
	for _, s := range p.slots {
		if s.current != nil {
			p.completeLocked(s.current, outcome{err: shutdownErr})
			s.current = nil
		}
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
		if s.state != SlotDead {
			s.state = SlotStopped
		}
	}
	p.mu.Unlock()

	for _, conn := range conns {
		_ = conn.CloseInput()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(p.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn("workers did not exit within grace period; killing",
		logging.Duration("grace", p.cfg.ShutdownGrace),
	)
	for _, conn := range conns {
		_ = conn.Kill()
	}
	<-done
	return nil
}

// Slots returns a snapshot of every slot.
func (p *Pool) Slots() []SlotStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotStatus, 0, len(p.slots))
	for _, s := range p.slots {
		status := SlotStatus{Type: s.typ, Index: s.index, State: s.state, Restarts: len(s.restarts)}
		if s.current != nil {
			status.TaskID = s.current.id
		}
		out = append(out, status)
	}
	return out
}

// Pending returns the number of queued requests.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func slotName(s *slot) string {
	return fmt.Sprintf("%s#%d", s.typ, s.index)
}
