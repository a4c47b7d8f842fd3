package workflow

import (
	"sync"
	"time"

	"docqc/internal/jobs"
	"docqc/internal/workerpool"
)

// UpdateKind classifies telemetry updates.
type UpdateKind string

const (
	UpdateJob     UpdateKind = "job"
	UpdateQueue   UpdateKind = "queue"
	UpdateWorker  UpdateKind = "worker"
	UpdateService UpdateKind = "service"
)

// Update is one telemetry message. Only the fields for Kind are set.
type Update struct {
	Kind UpdateKind
	At   time.Time

	Job *jobs.Job

	QueueDepth int
	Active     int

	Worker *workerpool.Event

	ServiceOnline bool
	Detail        string
}

const subscriberBuffer = 64

// hub fans updates out to subscribers. Slow subscribers lose updates rather
// than stalling the orchestrator.
type hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Update
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Update)}
}

func (h *hub) subscribe() (<-chan Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Update, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *hub) publish(update Update) {
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (m *Manager) publishJob(job *jobs.Job) {
	if job == nil {
		return
	}
	snapshot := *job
	m.hub.publish(Update{Kind: UpdateJob, Job: &snapshot})
}

func (m *Manager) publishQueue() {
	m.mu.Lock()
	depth, active := len(m.queue), m.active
	m.mu.Unlock()
	m.hub.publish(Update{Kind: UpdateQueue, QueueDepth: depth, Active: active})
}
