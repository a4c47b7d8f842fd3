package workflow_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"docqc/internal/config"
	"docqc/internal/converter"
	"docqc/internal/jobs"
	"docqc/internal/lockmgr"
	"docqc/internal/notifications"
	"docqc/internal/review"
	"docqc/internal/testsupport"
	"docqc/internal/workerpool"
	"docqc/internal/workflow"
)

const reviewedReport = "# Review\n\n## Unit mismatch\n**Severity:** High\n\n## Typo\n**Severity:** Low\n\n## Typo 2\n**Severity**: low\n"

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
	last   map[notifications.Event]notifications.Payload
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if r.last == nil {
		r.last = make(map[notifications.Event]notifications.Payload)
	}
	r.last[event] = payload
	return nil
}

func (r *recordingNotifier) count(event notifications.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev == event {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) payload(event notifications.Event) notifications.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[event]
}

type harness struct {
	cfg    *config.Config
	store  *jobs.Store
	locks  *lockmgr.Manager
	server *testsupport.ReviewServer
	notes  *recordingNotifier
	mgr    *workflow.Manager
}

func newHarness(t *testing.T, script []testsupport.ReviewStatus, configure ...func(*config.Config)) *harness {
	t.Helper()

	server := testsupport.NewReviewServer(t, script...)
	cfg := testsupport.NewConfig(t, testsupport.WithReviewService(server.URL), testsupport.WithShellConverters())
	for _, fn := range configure {
		fn(cfg)
	}
	store := testsupport.MustOpenStore(t, cfg)
	notes := &recordingNotifier{}
	mgr, locks := newHostManager(t, cfg, store, "alice@host-a", "host-a", notes)
	return &harness{cfg: cfg, store: store, locks: locks, server: server, notes: notes, mgr: mgr}
}

// newHostManager builds a Manager with its own worker pool and lock identity,
// as a separate daemon host would run it.
func newHostManager(t *testing.T, cfg *config.Config, store *jobs.Store, claimant, host string, notifier notifications.Service) (*workflow.Manager, *lockmgr.Manager) {
	t.Helper()
	locks := lockmgr.New(cfg.Locks.DirName, cfg.LockStaleAfter(), lockmgr.WithIdentity(claimant, host))

	pool := workerpool.New(
		workerpool.FuncLauncher{Handler: converter.Dispatcher(converter.Handlers(&cfg.Converter))},
		workerpool.Config{Counts: map[workerpool.TaskType]int{
			workerpool.TaskConvertDocument: 1,
			workerpool.TaskConvertReport:   1,
			workerpool.TaskParseReport:     1,
		}},
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	mgr := workflow.NewManager(cfg, workflow.Deps{
		Store:    store,
		Locks:    locks,
		Pool:     pool,
		Review:   review.New(cfg.Review),
		Notifier: notifier,
	})
	return mgr, locks
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.mgr.Stop(ctx)
	})
}

// document writes a file under the watch root and returns its path.
func (h *harness) document(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(testsupport.WatchRoot(h.cfg), rel)
	testsupport.WriteFile(t, path, content)
	return path
}

func (h *harness) admit(t *testing.T, req workflow.Request) workflow.Admission {
	t.Helper()
	admission, err := h.mgr.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("admit %s: %v", req.FilePath, err)
	}
	return admission
}

func (h *harness) waitForStatus(t *testing.T, id string, want ...jobs.Status) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *jobs.Job
	for time.Now().Before(deadline) {
		job, err := h.store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		last = job
		if job != nil {
			for _, status := range want {
				if job.Status == status {
					return job
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last == nil {
		t.Fatalf("job %s not found", id)
	}
	t.Fatalf("job %s stuck in %s (error %q), want %v", id, last.Status, last.ErrorMessage, want)
	return nil
}

func (h *harness) waitForUnlock(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		record, err := h.locks.Check(context.Background(), testsupport.WatchRoot(h.cfg), path)
		if err != nil {
			t.Fatalf("check lock: %v", err)
		}
		if record == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock still held by %+v", record)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
