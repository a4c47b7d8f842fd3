package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docqc/internal/config"
)

const userAgent = "docqc/0.1.0"

// Event identifies a notification kind.
type Event string

const (
	EventJobCompleted   Event = "job_completed"
	EventJobFailed      Event = "job_failed"
	EventServiceOffline Event = "service_offline"
	EventWorkerFailed   Event = "worker_failed"
	EventTest           Event = "test"
)

// Payload carries event fields. Keys are event specific.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventJobCompleted:   cfg.Notifications.JobCompleted,
			EventJobFailed:      cfg.Notifications.JobFailed,
			EventServiceOffline: cfg.Notifications.ServiceOffline,
			EventWorkerFailed:   cfg.Notifications.WorkerFailed,
			EventTest:           true,
		},
	}
}

// NewNoop returns a service that drops every event.
func NewNoop() Service { return noopService{} }

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if n == nil || n.client == nil || !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	name := payload.text("name")
	if name == "" {
		name = "document"
	}
	switch event {
	case EventJobCompleted:
		body := fmt.Sprintf("QC complete: %s", name)
		if found, ok := payload["found"]; ok {
			body = fmt.Sprintf("%s (%v issues)", body, found)
		}
		if status := payload.text("status"); status == "pending_verification" {
			body += "\nManual verification required"
		}
		return message{
			title: "docqc - Review Complete",
			body:  body,
			tags:  []string{"docqc", "review", "completed"},
		}, true
	case EventJobFailed:
		detail := payload.text("error")
		if detail == "" {
			detail = "unknown error"
		}
		return message{
			title:    "docqc - Job Failed",
			body:     fmt.Sprintf("QC failed: %s\n%s", name, detail),
			tags:     []string{"docqc", "job", "failed"},
			priority: "high",
		}, true
	case EventServiceOffline:
		detail := payload.text("detail")
		body := "Review service is unreachable; polling will retry"
		if detail != "" {
			body = fmt.Sprintf("%s\n%s", body, detail)
		}
		return message{
			title:    "docqc - Review Service Offline",
			body:     body,
			tags:     []string{"docqc", "service", "offline"},
			priority: "high",
		}, true
	case EventWorkerFailed:
		return message{
			title:    "docqc - Worker Disabled",
			body:     fmt.Sprintf("Worker %s exceeded its restart limit: %s", payload.text("worker"), payload.text("detail")),
			tags:     []string{"docqc", "worker", "failed"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "docqc - Test",
			body:     "Notification system test",
			tags:     []string{"docqc", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (p Payload) text(key string) string {
	if p == nil {
		return ""
	}
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
