package workerpool_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"docqc/internal/services"
	"docqc/internal/workerpool"
)

type eventLog struct {
	mu     sync.Mutex
	events []workerpool.Event
}

func (l *eventLog) record(ev workerpool.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []workerpool.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]workerpool.EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, n int) []workerpool.EventKind {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		kinds := l.kinds()
		if len(kinds) >= n || time.Now().After(deadline) {
			return kinds
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func echoHandler(_ context.Context, task workerpool.Task, progress func(float64)) (json.RawMessage, error) {
	progress(25)
	progress(100)
	return json.Marshal(map[string]any{"type": task.Type, "payload": task.Payload})
}

func startPool(t *testing.T, launcher workerpool.Launcher, cfg workerpool.Config) *workerpool.Pool {
	t.Helper()
	if cfg.Counts == nil {
		cfg.Counts = map[workerpool.TaskType]int{
			workerpool.TaskConvertDocument: 1,
			workerpool.TaskConvertReport:   1,
			workerpool.TaskParseReport:     1,
		}
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = time.Second
	}
	if cfg.DispatchTimeout == 0 {
		cfg.DispatchTimeout = 2 * time.Second
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 50 * time.Millisecond
	}
	pool := workerpool.New(launcher, cfg)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

func TestDispatchRoutesByType(t *testing.T) {
	pool := startPool(t, workerpool.FuncLauncher{Handler: echoHandler}, workerpool.Config{})

	for _, typ := range workerpool.TaskTypes() {
		var (
			mu       sync.Mutex
			progress []float64
		)
		raw, err := pool.Dispatch(context.Background(), typ, map[string]string{"input": "a.docx"}, func(p float64) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Dispatch %s: %v", typ, err)
		}
		var result struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if result.Type != string(typ) || !strings.Contains(string(result.Payload), "a.docx") {
			t.Fatalf("unexpected result for %s: %s", typ, raw)
		}
		mu.Lock()
		if len(progress) != 2 || progress[1] != 100 {
			t.Fatalf("unexpected progress for %s: %v", typ, progress)
		}
		mu.Unlock()
	}
}

func TestDispatchSurfacesTaskErrors(t *testing.T) {
	handler := func(context.Context, workerpool.Task, func(float64)) (json.RawMessage, error) {
		return nil, errors.New("pandoc: unreadable input")
	}
	pool := startPool(t, workerpool.FuncLauncher{Handler: handler}, workerpool.Config{})

	_, err := pool.Dispatch(context.Background(), workerpool.TaskConvertDocument, nil, nil)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	if !strings.Contains(err.Error(), "unreadable input") {
		t.Fatalf("expected worker message in error, got %v", err)
	}
	if slots := pool.Slots(); slots[0].State != workerpool.SlotIdle {
		t.Fatalf("expected slot idle after task error, got %s", slots[0].State)
	}
}

func TestCrashedWorkerIsRestarted(t *testing.T) {
	var crashed sync.Once
	handler := func(ctx context.Context, task workerpool.Task, progress func(float64)) (json.RawMessage, error) {
		panicNow := false
		crashed.Do(func() { panicNow = true })
		if panicNow {
			panic("converter segfault")
		}
		return echoHandler(ctx, task, progress)
	}
	events := &eventLog{}
	pool := startPool(t, workerpool.FuncLauncher{Handler: handler}, workerpool.Config{
		Counts:      map[workerpool.TaskType]int{workerpool.TaskConvertDocument: 1},
		MaxRestarts: 3,
		OnEvent:     events.record,
	})

	_, err := pool.Dispatch(context.Background(), workerpool.TaskConvertDocument, "x", nil)
	if !errors.Is(err, services.ErrWorkerCrash) {
		t.Fatalf("expected worker crash error, got %v", err)
	}
	if _, err := pool.Dispatch(context.Background(), workerpool.TaskConvertDocument, "y", nil); err != nil {
		t.Fatalf("expected restarted worker to serve, got %v", err)
	}
	kinds := events.waitFor(t, 1)
	if len(kinds) != 1 || kinds[0] != workerpool.EventWorkerRestarted {
		t.Fatalf("unexpected events: %v", kinds)
	}
}

func TestRestartCapDisablesSlot(t *testing.T) {
	handler := func(context.Context, workerpool.Task, func(float64)) (json.RawMessage, error) {
		panic("always crashes")
	}
	events := &eventLog{}
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pool := startPool(t, workerpool.FuncLauncher{Handler: handler}, workerpool.Config{
		Counts:        map[workerpool.TaskType]int{workerpool.TaskParseReport: 1},
		MaxRestarts:   2,
		RestartWindow: time.Minute,
		Now:           func() time.Time { return fixed },
		OnEvent:       events.record,
	})

	for i := 0; i < 3; i++ {
		if _, err := pool.Dispatch(context.Background(), workerpool.TaskParseReport, i, nil); !errors.Is(err, services.ErrWorkerCrash) {
			t.Fatalf("dispatch %d: expected crash, got %v", i, err)
		}
	}
	_, err := pool.Dispatch(context.Background(), workerpool.TaskParseReport, "late", nil)
	if !errors.Is(err, services.ErrWorkerCrash) || !strings.Contains(err.Error(), "no live") {
		t.Fatalf("expected dead slot to refuse work, got %v", err)
	}
	want := []workerpool.EventKind{workerpool.EventWorkerRestarted, workerpool.EventWorkerRestarted, workerpool.EventWorkerFailed}
	got := events.waitFor(t, len(want))
	if len(got) != len(want) {
		t.Fatalf("unexpected events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, got[i], want[i])
		}
	}
	if state := pool.Slots()[0].State; state != workerpool.SlotDead {
		t.Fatalf("expected dead slot, got %s", state)
	}
}

func TestRestartWindowRolls(t *testing.T) {
	handler := func(context.Context, workerpool.Task, func(float64)) (json.RawMessage, error) {
		panic("crash")
	}
	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	events := &eventLog{}
	pool := startPool(t, workerpool.FuncLauncher{Handler: handler}, workerpool.Config{
		Counts:        map[workerpool.TaskType]int{workerpool.TaskConvertReport: 1},
		MaxRestarts:   1,
		RestartWindow: time.Minute,
		Now:           clock,
		OnEvent:       events.record,
	})

	for i := 0; i < 2; i++ {
		if _, err := pool.Dispatch(context.Background(), workerpool.TaskConvertReport, i, nil); !errors.Is(err, services.ErrWorkerCrash) {
			t.Fatalf("dispatch %d: expected crash, got %v", i, err)
		}
		mu.Lock()
		now = now.Add(2 * time.Minute)
		mu.Unlock()
	}
	for _, kind := range events.kinds() {
		if kind == workerpool.EventWorkerFailed {
			t.Fatalf("expected restarts outside the window to be forgiven, got %v", events.kinds())
		}
	}
}

func TestDispatchTimeoutWithdrawsQueuedRequest(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, task workerpool.Task, progress func(float64)) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return echoHandler(ctx, task, progress)
	}
	pool := startPool(t, workerpool.FuncLauncher{Handler: handler}, workerpool.Config{
		Counts:          map[workerpool.TaskType]int{workerpool.TaskConvertDocument: 1},
		DispatchTimeout: 50 * time.Millisecond,
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = pool.Dispatch(context.Background(), workerpool.TaskConvertDocument, n, nil)
		}(i)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()
	for i, err := range errs {
		if !errors.Is(err, services.ErrTimeout) {
			t.Fatalf("dispatch %d: expected timeout, got %v", i, err)
		}
	}
	if pending := pool.Pending(); pending != 0 {
		t.Fatalf("expected timed out request to be withdrawn, %d pending", pending)
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for pool.Slots()[0].State != workerpool.SlotIdle {
		if time.Now().After(deadline) {
			t.Fatal("slot never returned to idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := pool.Dispatch(context.Background(), workerpool.TaskConvertDocument, "after", nil); err != nil {
		t.Fatalf("expected freed slot to serve, got %v", err)
	}
}

func TestBusyWorkerQueuesThenDrains(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	handler := func(ctx context.Context, task workerpool.Task, progress func(float64)) (json.RawMessage, error) {
		started <- struct{}{}
		if string(task.Payload) == `"first"` {
			<-release
		}
		return echoHandler(ctx, task, progress)
	}
	pool := startPool(t, workerpool.FuncLauncher{Handler: handler}, workerpool.Config{
		Counts: map[workerpool.TaskType]int{workerpool.TaskConvertDocument: 1},
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := pool.Dispatch(context.Background(), workerpool.TaskConvertDocument, "first", nil)
		firstDone <- err
	}()
	<-started

	secondDone := make(chan error, 1)
	go func() {
		_, err := pool.Dispatch(context.Background(), workerpool.TaskConvertDocument, "second", nil)
		secondDone <- err
	}()
	deadline := time.Now().Add(time.Second)
	for pool.Pending() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected second task to queue behind the busy worker, %d pending", pool.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case err := <-secondDone:
		t.Fatalf("second task ran before the worker freed: %v", err)
	default:
	}

	close(release)
	for i, done := range []chan error{firstDone, secondDone} {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("dispatch %d: %v", i+1, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("dispatch %d never completed", i+1)
		}
	}
	if pending := pool.Pending(); pending != 0 {
		t.Fatalf("expected queue drained, %d pending", pending)
	}
}

func TestStartFailsWhenWorkerNeverInitializes(t *testing.T) {
	launcher := workerpool.FuncLauncher{
		Handler: echoHandler,
		BeforeInit: func(typ workerpool.TaskType) error {
			if typ == workerpool.TaskParseReport {
				return errors.New("missing dependency")
			}
			return nil
		},
	}
	pool := workerpool.New(launcher, workerpool.Config{
		Counts: map[workerpool.TaskType]int{
			workerpool.TaskConvertDocument: 1,
			workerpool.TaskParseReport:     1,
		},
		InitTimeout:   time.Second,
		ShutdownGrace: 10 * time.Millisecond,
	})
	err := pool.Start(context.Background())
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := pool.Dispatch(context.Background(), workerpool.TaskConvertDocument, nil, nil); !errors.Is(err, services.ErrPoolShuttingDown) {
		t.Fatalf("expected failed start to leave pool closed, got %v", err)
	}
}

func TestStartTimesOutSlowInit(t *testing.T) {
	launcher := workerpool.FuncLauncher{
		Handler: echoHandler,
		BeforeInit: func(workerpool.TaskType) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}
	pool := workerpool.New(launcher, workerpool.Config{
		Counts:        map[workerpool.TaskType]int{workerpool.TaskConvertDocument: 1},
		InitTimeout:   20 * time.Millisecond,
		ShutdownGrace: 10 * time.Millisecond,
	})
	if err := pool.Start(context.Background()); !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected init timeout, got %v", err)
	}
}

func TestShutdownRejectsPendingAndInflight(t *testing.T) {
	handler := func(ctx context.Context, task workerpool.Task, progress func(float64)) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	pool := startPool(t, workerpool.FuncLauncher{Handler: handler}, workerpool.Config{
		Counts:        map[workerpool.TaskType]int{workerpool.TaskConvertDocument: 1},
		ShutdownGrace: 20 * time.Millisecond,
	})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			_, err := pool.Dispatch(context.Background(), workerpool.TaskConvertDocument, n, nil)
			results <- err
		}(i)
	}
	deadline := time.Now().Add(time.Second)
	for pool.Pending() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("expected one running and one pending request")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-results; !errors.Is(err, services.ErrPoolShuttingDown) {
			t.Fatalf("expected shutdown rejection, got %v", err)
		}
	}
	if _, err := pool.Dispatch(context.Background(), workerpool.TaskConvertDocument, nil, nil); !errors.Is(err, services.ErrPoolShuttingDown) {
		t.Fatalf("expected dispatch after shutdown to fail, got %v", err)
	}
	for _, slot := range pool.Slots() {
		if slot.State != workerpool.SlotStopped {
			t.Fatalf("expected stopped slot, got %s", slot.State)
		}
	}
}
