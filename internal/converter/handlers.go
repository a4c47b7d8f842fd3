package converter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docqc/internal/config"
	"docqc/internal/reports"
	"docqc/internal/services"
	"docqc/internal/workerpool"
)

// Document modes.
const (
	ModeConvert = "convert"
	ModeMerge   = "merge"
)

// Parse modes.
const (
	ParseReport    = "report"
	ParseNumbering = "numbering"
)

// DocumentRequest is the convert-document payload.
type DocumentRequest struct {
	Mode   string   `json:"mode"`
	Inputs []string `json:"inputs"`
	Output string   `json:"output"`
}

// DocumentResult is the convert-document result.
type DocumentResult struct {
	OutputPath string `json:"outputPath"`
	Bytes      int64  `json:"bytes"`
}

// ReportRequest is the convert-report payload.
type ReportRequest struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// ParseRequest is the parse-report payload.
type ParseRequest struct {
	Mode string `json:"mode"`
	Path string `json:"path"`
}

// ParseResponse is the parse-report result; only the field matching Mode is set.
type ParseResponse struct {
	Summary   *reports.Summary `json:"summary,omitempty"`
	Numbering *NumberingReport `json:"numbering,omitempty"`
}

// NumberingReport is the serialized form of reports.NumberingResult.
type NumberingReport struct {
	Count   int    `json:"count"`
	Gaps    []int  `json:"gaps,omitempty"`
	Repeats []int  `json:"repeats,omitempty"`
	Problem string `json:"problem,omitempty"`
}

// Handlers returns the worker handler for each task type.
func Handlers(cfg *config.Converter) map[workerpool.TaskType]workerpool.Handler {
	runner := Runner{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	return map[workerpool.TaskType]workerpool.Handler{
		workerpool.TaskConvertDocument: documentHandler(cfg, runner),
		workerpool.TaskConvertReport:   reportHandler(cfg, runner),
		workerpool.TaskParseReport:     parseHandler(),
	}
}

// Dispatcher routes a task to the handler registered for its type.
func Dispatcher(handlers map[workerpool.TaskType]workerpool.Handler) workerpool.Handler {
	return func(ctx context.Context, task workerpool.Task, progress func(float64)) (json.RawMessage, error) {
		handler, ok := handlers[task.Type]
		if !ok {
			return nil, fmt.Errorf("no handler for task type %s", task.Type)
		}
		return handler(ctx, task, progress)
	}
}

func documentHandler(cfg *config.Converter, runner Runner) workerpool.Handler {
	return func(ctx context.Context, task workerpool.Task, progress func(float64)) (json.RawMessage, error) {
		var req DocumentRequest
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return nil, services.Wrap(services.ErrValidation, "converting", "decode request", "", err)
		}
		if len(req.Inputs) == 0 || strings.TrimSpace(req.Output) == "" {
			return nil, services.Wrap(services.ErrValidation, "converting", "decode request", "inputs and output required", nil)
		}
		template := cfg.DocumentCommand
		stage := "converting"
		switch req.Mode {
		case ModeMerge:
			if len(req.Inputs) < 2 {
				return nil, services.Wrap(services.ErrValidation, "merging", "decode request", "merge needs at least two inputs", nil)
			}
			template = cfg.MergeCommand
			stage = "merging"
		case ModeConvert, "":
			req.Inputs = req.Inputs[:1]
		default:
			return nil, services.Wrap(services.ErrValidation, "converting", "decode request", fmt.Sprintf("unknown mode %q", req.Mode), nil)
		}
		progress(5)
		if err := runner.Run(ctx, stage, template, req.Inputs, req.Output); err != nil {
			return nil, err
		}
		progress(100)
		info, err := os.Stat(req.Output)
		if err != nil {
			return nil, err
		}
		return json.Marshal(DocumentResult{OutputPath: req.Output, Bytes: info.Size()})
	}
}

func reportHandler(cfg *config.Converter, runner Runner) workerpool.Handler {
	return func(ctx context.Context, task workerpool.Task, progress func(float64)) (json.RawMessage, error) {
		var req ReportRequest
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return nil, services.Wrap(services.ErrValidation, "report", "decode request", "", err)
		}
		if req.Input == "" || req.Output == "" {
			return nil, services.Wrap(services.ErrValidation, "report", "decode request", "input and output required", nil)
		}
		progress(10)
		if err := runner.Run(ctx, "report", cfg.ReportCommand, []string{req.Input}, req.Output); err != nil {
			return nil, err
		}
		progress(100)
		return json.Marshal(DocumentResult{OutputPath: req.Output})
	}
}

func parseHandler() workerpool.Handler {
	return func(_ context.Context, task workerpool.Task, progress func(float64)) (json.RawMessage, error) {
		var req ParseRequest
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return nil, services.Wrap(services.ErrValidation, "parse", "decode request", "", err)
		}
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return nil, services.Wrap(services.ErrNotFound, "parse", "read", filepath.Base(req.Path), err)
		}
		var resp ParseResponse
		switch req.Mode {
		case ParseReport, "":
			summary := reports.ParseMarkdown(string(data))
			summary.Report = ""
			resp.Summary = &summary
		case ParseNumbering:
			result := reports.CheckNumbering(string(data))
			resp.Numbering = &NumberingReport{
				Count:   len(result.Numbers),
				Gaps:    result.Gaps,
				Repeats: result.Repeats,
				Problem: result.Problem(),
			}
		default:
			return nil, errors.New("unknown parse mode " + req.Mode)
		}
		progress(100)
		return json.Marshal(resp)
	}
}
