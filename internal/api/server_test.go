package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"docqc/internal/api"
	"docqc/internal/config"
	"docqc/internal/jobs"
	"docqc/internal/reports"
	"docqc/internal/services"
	"docqc/internal/testsupport"
	"docqc/internal/workerpool"
	"docqc/internal/workflow"
)

type fakeOrchestrator struct {
	store *jobs.Store

	mu       sync.Mutex
	admitted []workflow.Request
	updates  chan workflow.Update
}

func (f *fakeOrchestrator) Admit(ctx context.Context, req workflow.Request) (workflow.Admission, error) {
	f.mu.Lock()
	f.admitted = append(f.admitted, req)
	f.mu.Unlock()
	if existing, err := f.store.GetByPath(ctx, req.FilePath); err != nil {
		return workflow.Admission{}, err
	} else if existing != nil {
		return workflow.Admission{Decision: workflow.DecisionSkippedActive, Job: existing}, nil
	}
	job, err := f.store.Create(ctx, jobs.NewJob{
		FilePath:        req.FilePath,
		OriginalName:    req.Name,
		Folder:          req.Folder,
		Chapter:         req.Chapter,
		Role:            req.Role,
		BatchID:         req.BatchID,
		SubmissionOrder: req.SubmissionOrder,
	})
	if err != nil {
		return workflow.Admission{}, err
	}
	return workflow.Admission{Decision: workflow.DecisionCreated, Job: job}, nil
}

func (f *fakeOrchestrator) AdmitBatch(ctx context.Context, name string, paths []string) (*jobs.Batch, []workflow.Admission, error) {
	batch, err := f.store.CreateBatch(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	var out []workflow.Admission
	for i, path := range paths {
		admission, err := f.Admit(ctx, workflow.Request{FilePath: path, BatchID: batch.ID, SubmissionOrder: i + 1})
		if err != nil {
			return batch, out, err
		}
		out = append(out, admission)
	}
	return batch, out, nil
}

func (f *fakeOrchestrator) Retry(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := f.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "retry", "lookup", id, nil)
	}
	if !job.Status.IsFailure() {
		return nil, services.Wrap(services.ErrValidation, "retry", "check status", "not failed", jobs.ErrInvalidTransition)
	}
	return f.store.Transition(ctx, id, jobs.Event{Kind: jobs.EventRetry})
}

func (f *fakeOrchestrator) Remove(ctx context.Context, id string) (bool, error) {
	job, err := f.store.GetByID(ctx, id)
	if err != nil || job == nil {
		return false, err
	}
	if job.Status.IsActive() {
		return false, workflow.ErrJobActive
	}
	return f.store.Remove(ctx, id)
}

func (f *fakeOrchestrator) Status() workflow.Status {
	return workflow.Status{Running: true, QueueDepth: 2, Active: 1, Concurrency: 1, ServiceOnline: true}
}

func (f *fakeOrchestrator) Subscribe() (<-chan workflow.Update, func()) {
	return f.updates, func() {}
}

type fixture struct {
	cfg   *config.Config
	store *jobs.Store
	orch  *fakeOrchestrator
	srv   *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.API.Token = token
	store := testsupport.MustOpenStore(t, cfg)
	orch := &fakeOrchestrator{store: store, updates: make(chan workflow.Update, 8)}
	server := api.New(cfg.API, orch, store, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{cfg: cfg, store: store, orch: orch, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if f.cfg.API.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.API.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (f *fixture) seed(t *testing.T, path string) *jobs.Job {
	t.Helper()
	job, err := f.store.Create(context.Background(), jobs.NewJob{FilePath: path})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "secret")
	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", resp.StatusCode)
	}
	health := decodeBody[api.HealthResponse](t, resp)
	if health.Status != "healthy" || health.Service != "docqc" || health.Timestamp == "" {
		t.Fatalf("unexpected health payload: %+v", health)
	}
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, "secret")
	resp, err := http.Get(f.srv.URL + "/api/jobs")
	if err != nil {
		t.Fatalf("get jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if ok := f.do(t, http.MethodGet, "/api/jobs", nil); ok.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", ok.StatusCode)
	}
}

func TestCreateAndFetchJob(t *testing.T) {
	f := newFixture(t, "")
	resp := f.do(t, http.MethodPost, "/api/jobs", map[string]string{
		"filePath": "/qc/3/Chapter 1/theory.docx",
		"chapter":  "Chapter 1",
		"role":     "theory",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decodeBody[api.AdmitResponse](t, resp)
	if created.Decision != "created" || created.Job.Status != "queued" || created.Job.Name != "theory.docx" {
		t.Fatalf("unexpected admission: %+v", created)
	}

	again := f.do(t, http.MethodPost, "/api/jobs", map[string]string{"filePath": "/qc/3/Chapter 1/theory.docx"})
	if again.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for skipped admission, got %d", again.StatusCode)
	}

	got := f.do(t, http.MethodGet, "/api/jobs/"+created.Job.ID, nil)
	if got.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.StatusCode)
	}
	job := decodeBody[api.Job](t, got)
	if job.ID != created.Job.ID || job.Chapter != "Chapter 1" || job.Role != "theory" {
		t.Fatalf("unexpected job: %+v", job)
	}

	missing := f.do(t, http.MethodGet, "/api/jobs/nope", nil)
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
	if body := decodeBody[map[string]string](t, missing); body["error"] == "" {
		t.Fatal("expected error body")
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, "")
	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing path", map[string]string{"name": "x"}, "filePath is required"},
		{"bad role", map[string]string{"filePath": "/a.docx", "role": "appendix"}, "role must be one of"},
		{"unknown field", map[string]string{"filePath": "/a.docx", "status": "completed"}, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/jobs", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			body := decodeBody[map[string]string](t, resp)
			if !strings.Contains(body["error"], tt.want) {
				t.Fatalf("expected %q in %q", tt.want, body["error"])
			}
		})
	}
	if len(f.orch.admitted) != 0 {
		t.Fatalf("invalid requests must not reach admission: %+v", f.orch.admitted)
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	first := f.seed(t, "/qc/a.docx")
	f.seed(t, "/qc/b.docx")
	if _, err := f.store.Transition(ctx, first.ID, jobs.Event{Kind: jobs.EventFail, Message: "boom"}); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	all := decodeBody[api.JobListResponse](t, f.do(t, http.MethodGet, "/api/jobs", nil))
	if all.Total != 2 || len(all.Jobs) != 2 {
		t.Fatalf("expected two jobs, got %+v", all)
	}
	failed := decodeBody[api.JobListResponse](t, f.do(t, http.MethodGet, "/api/jobs?status=failed,conversion_failed", nil))
	if failed.Total != 1 || failed.Jobs[0].ID != first.ID || failed.Jobs[0].ErrorMessage != "boom" {
		t.Fatalf("unexpected filtered list: %+v", failed)
	}
	limited := decodeBody[api.JobListResponse](t, f.do(t, http.MethodGet, "/api/jobs?limit=1", nil))
	if len(limited.Jobs) != 1 || limited.Total != 2 {
		t.Fatalf("expected one job of two, got %+v", limited)
	}
	if resp := f.do(t, http.MethodGet, "/api/jobs?status=bogus", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", resp.StatusCode)
	}
}

func TestDeleteAndRetry(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	active := f.seed(t, "/qc/active.docx")
	failed := f.seed(t, "/qc/failed.docx")
	if _, err := f.store.Transition(ctx, failed.ID, jobs.Event{Kind: jobs.EventFail, Message: "boom"}); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	if resp := f.do(t, http.MethodDelete, "/api/jobs/"+active.ID, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 deleting an active job, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/jobs/"+active.ID+"/retry", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 retrying an active job, got %d", resp.StatusCode)
	}

	resp := f.do(t, http.MethodPost, "/api/jobs/"+failed.ID+"/retry", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 retry, got %d", resp.StatusCode)
	}
	if job := decodeBody[api.Job](t, resp); job.Status != "queued" || job.ErrorMessage != "" {
		t.Fatalf("unexpected retried job: %+v", job)
	}
	if _, err := f.store.Transition(ctx, failed.ID, jobs.Event{Kind: jobs.EventFail, Message: "again"}); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	if resp := f.do(t, http.MethodDelete, "/api/jobs/"+failed.ID, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 delete, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodDelete, "/api/jobs/"+failed.ID, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/jobs/missing/retry", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 retrying unknown job, got %d", resp.StatusCode)
	}
}

func TestStatsIncludesQueueState(t *testing.T) {
	f := newFixture(t, "")
	f.seed(t, "/qc/a.docx")
	stats := decodeBody[api.StatsResponse](t, f.do(t, http.MethodGet, "/api/stats", nil))
	if stats.Queued != 1 || stats.Total != 1 {
		t.Fatalf("unexpected store stats: %+v", stats)
	}
	if stats.QueueDepth != 2 || stats.Active != 1 || !stats.ServiceOnline {
		t.Fatalf("unexpected orchestrator stats: %+v", stats)
	}
}

func TestReportRendersHTML(t *testing.T) {
	f := newFixture(t, "")
	job := f.seed(t, "/qc/a.docx")

	if resp := f.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/report", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before a report exists, got %d", resp.StatusCode)
	}

	path, err := reports.Save(f.cfg.Paths.ReportsDir, job.ID, "# Review\n\n## Typo\n**Severity:** Low\n")
	if err != nil {
		t.Fatalf("save report: %v", err)
	}
	job.ReportPath = path
	if err := f.store.Update(context.Background(), job); err != nil {
		t.Fatalf("update job: %v", err)
	}

	resp := f.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/report", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(body.String(), "<h2>Typo</h2>") {
		t.Fatalf("expected rendered heading, got %s", body.String())
	}
}

func TestBatchesCreateAndSummarize(t *testing.T) {
	f := newFixture(t, "")
	if resp := f.do(t, http.MethodPost, "/api/batches", map[string]any{"paths": []string{}}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", resp.StatusCode)
	}

	resp := f.do(t, http.MethodPost, "/api/batches", map[string]any{
		"name":  "week 7",
		"paths": []string{"/qc/one.docx", "/qc/two.docx"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	batch := decodeBody[api.BatchResponse](t, resp)
	if batch.Name != "week 7" || batch.Total != 2 || len(batch.Jobs) != 2 {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	got := decodeBody[api.BatchResponse](t, f.do(t, http.MethodGet, "/api/batches/"+batch.ID, nil))
	if got.ID != batch.ID || got.Total != 2 {
		t.Fatalf("unexpected batch lookup: %+v", got)
	}
	orders := map[int]bool{}
	for _, job := range got.Jobs {
		orders[job.SubmissionOrder] = true
	}
	if !orders[1] || !orders[2] {
		t.Fatalf("expected submission orders 1 and 2, got %+v", got.Jobs)
	}
	if resp := f.do(t, http.MethodGet, "/api/batches/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, "secret")
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello api.Event
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		t.Fatalf("expected hello, got %+v err=%v", hello, err)
	}

	f.orch.updates <- workflow.Update{Kind: workflow.UpdateJob, At: time.Now(), Job: &jobs.Job{ID: "job-1", FilePath: "/qc/a.docx", Status: jobs.StatusConverting}}
	f.orch.updates <- workflow.Update{Kind: workflow.UpdateQueue, At: time.Now(), QueueDepth: 3, Active: 1}
	f.orch.updates <- workflow.Update{Kind: workflow.UpdateWorker, At: time.Now(), Worker: &workerpool.Event{
		Kind: workerpool.EventWorkerRestarted, Type: workerpool.TaskConvertDocument, Restarts: 1,
	}}

	var jobEvent, queueEvent, workerEvent api.Event
	for _, dst := range []*api.Event{&jobEvent, &queueEvent, &workerEvent} {
		if err := conn.ReadJSON(dst); err != nil {
			t.Fatalf("read event: %v", err)
		}
	}
	if jobEvent.Type != "job" || jobEvent.Job == nil || jobEvent.Job.Status != "converting" {
		t.Fatalf("unexpected job event: %+v", jobEvent)
	}
	if queueEvent.Type != "queue" || queueEvent.QueueDepth == nil || *queueEvent.QueueDepth != 3 {
		t.Fatalf("unexpected queue event: %+v", queueEvent)
	}
	if workerEvent.Worker == nil || workerEvent.Worker.Kind != string(workerpool.EventWorkerRestarted) {
		t.Fatalf("unexpected worker event: %+v", workerEvent)
	}

	close(f.orch.updates)
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	f := newFixture(t, "secret")
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}
