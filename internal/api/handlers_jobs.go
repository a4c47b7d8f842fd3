package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"docqc/internal/jobs"
	"docqc/internal/reports"
	"docqc/internal/services"
	"docqc/internal/workflow"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: formatTime(s.now()),
		Service:   "docqc",
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	page, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, JobListResponse{Jobs: FromJobs(page.Jobs), Total: page.Total})
}

func parseFilter(r *http.Request) (jobs.Filter, error) {
	query := r.URL.Query()
	filter := jobs.Filter{
		Folder:  strings.TrimSpace(query.Get("folder")),
		BatchID: strings.TrimSpace(query.Get("batch")),
		Limit:   defaultPageSize,
	}
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := jobs.ParseStatus(part)
			if !ok {
				return filter, services.Wrap(services.ErrValidation, "api", "list", fmt.Sprintf("unknown status %q", part), nil)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, services.Wrap(services.ErrValidation, "api", "list", "limit must be a positive integer", nil)
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, services.Wrap(services.ErrValidation, "api", "list", "offset must be a non-negative integer", nil)
		}
		filter.Offset = offset
	}
	return filter, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, FromJob(job))
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	admission, err := s.orch.Admit(r.Context(), workflow.Request{
		FilePath: req.FilePath,
		Name:     req.Name,
		Folder:   req.Folder,
		Chapter:  req.Chapter,
		Role:     jobs.Role(req.Role),
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	status := http.StatusOK
	if admission.Decision == workflow.DecisionCreated {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, AdmitResponse{Decision: string(admission.Decision), Job: FromJob(admission.Job)})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.orch.Remove(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, FromJob(job))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, FromStats(stats, s.orch.Status()))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if job.ReportPath == "" {
		s.writeError(w, http.StatusNotFound, "report not available")
		return
	}
	page, err := reports.RenderFile(job.DisplayName(), job.ReportPath)
	if err != nil {
		s.writeFailure(w, r, services.Wrap(services.ErrNotFound, "api", "render report", job.ID, err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	job, err := s.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return nil, false
	}
	if job == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}
