package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"docqc/internal/services"
)

// Submission is the service's acknowledgement of an upload.
type Submission struct {
	ID    string
	State State
}

// StatusResult is one status lookup.
type StatusResult struct {
	State  State
	Result json.RawMessage
	Error  string
}

type envelope struct {
	Success *bool           `json:"success"`
	JobID   string          `json:"jobId"`
	ID      string          `json:"id"`
	JobID2  string          `json:"job_id"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func (e envelope) id() string {
	for _, candidate := range []string{e.JobID, e.ID, e.JobID2} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate
		}
	}
	return ""
}

func (e envelope) errorText() string {
	if text := strings.TrimSpace(e.Error); text != "" {
		return text
	}
	return strings.TrimSpace(e.Message)
}

// Submit uploads the artifact at artifactPath under the display name.
func (c *Client) Submit(ctx context.Context, artifactPath, name string) (Submission, error) {
	if !c.IsConfigured() {
		return Submission{}, services.Wrap(services.ErrConfiguration, "review", "submit", "review service is not configured", nil)
	}
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return Submission{}, services.Wrap(services.ErrValidation, "review", "submit", "read artifact", err)
	}
	if name = strings.TrimSpace(name); name == "" {
		name = filepath.Base(artifactPath)
	}

	attempts := c.retryAttempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		env, err := c.submitOnce(ctx, data, filepath.Base(artifactPath), name)
		if err == nil {
			if env.Success != nil && !*env.Success {
				return Submission{}, services.Wrap(services.ErrExternalTool, "review", "submit",
					"service rejected submission: "+env.errorText(), nil)
			}
			id := env.id()
			if id == "" {
				return Submission{}, services.Wrap(services.ErrExternalTool, "review", "submit",
					"response carried no job id", nil)
			}
			state := State(strings.ToLower(strings.TrimSpace(env.Status)))
			if state == "" {
				state = StatePending
			}
			return Submission{ID: id, State: state}, nil
		}

		delay, retry := c.retryDelay(ctx, err, attempt, attempts, true)
		if !retry {
			return Submission{}, classify("submit", err)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return Submission{}, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("unknown retry failure")
	}
	return Submission{}, classify("submit", fmt.Errorf("failed after %d attempts: %w", attempts, lastErr))
}

func (c *Client) submitOnce(ctx context.Context, data []byte, fileName, name string) (envelope, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return envelope{}, fmt.Errorf("review request: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return envelope{}, fmt.Errorf("review request: build form: %w", err)
	}
	if err := writer.WriteField("name", name); err != nil {
		return envelope{}, fmt.Errorf("review request: build form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return envelope{}, fmt.Errorf("review request: build form: %w", err)
	}

	endpoint, err := url.JoinPath(c.baseURL, c.submitPath)
	if err != nil {
		return envelope{}, fmt.Errorf("review request: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return envelope{}, fmt.Errorf("review request: new request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(ctx, req)
}

// PollStatus fetches the current state of a submission once.
func (c *Client) PollStatus(ctx context.Context, id string) (StatusResult, error) {
	if !c.IsConfigured() {
		return StatusResult{}, services.Wrap(services.ErrConfiguration, "review", "status", "review service is not configured", nil)
	}
	if strings.TrimSpace(id) == "" {
		return StatusResult{}, services.Wrap(services.ErrValidation, "review", "status", "submission id required", nil)
	}
	endpoint, err := url.JoinPath(c.baseURL, strings.ReplaceAll(c.statusPath, "{id}", strings.TrimSpace(id)))
	if err != nil {
		return StatusResult{}, classify("status", fmt.Errorf("review request: build url: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusResult{}, classify("status", fmt.Errorf("review request: new request: %w", err))
	}
	env, err := c.do(ctx, req)
	if err != nil {
		return StatusResult{}, classify("status", err)
	}

	state := State(strings.ToLower(strings.TrimSpace(env.Status)))
	switch state {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
	case "queued":
		state = StatePending
	case "error":
		state = StateFailed
	default:
		return StatusResult{}, services.Wrap(services.ErrExternalTool, "review", "status",
			fmt.Sprintf("unknown status %q", env.Status), nil)
	}
	return StatusResult{State: state, Result: env.Result, Error: env.errorText()}, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (envelope, error) {
	if err := c.wait(ctx); err != nil {
		return envelope{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("review request: http error (timeout=%s): %w", c.httpClient.Timeout, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return envelope{}, fmt.Errorf("review request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return envelope{}, &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("review request: decode response: %w", err)
	}
	return env, nil
}
