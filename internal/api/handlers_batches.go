package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"docqc/internal/jobs"
)

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	batch, _, err := s.orch.AdmitBatch(r.Context(), req.Name, req.Paths)
	if err != nil && batch == nil {
		s.writeFailure(w, r, err)
		return
	}
	resp, lookupErr := s.batchResponse(r.Context(), batch.ID)
	if lookupErr != nil {
		s.writeFailure(w, r, lookupErr)
		return
	}
	if err != nil {
		s.writeJSON(w, statusFromError(err), map[string]any{"error": err.Error(), "batch": resp})
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	resp, err := s.batchResponse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if resp == nil {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) batchResponse(ctx context.Context, id string) (*BatchResponse, error) {
	summary, err := s.store.BatchSummary(ctx, id)
	if err != nil || summary == nil {
		return nil, err
	}
	page, err := s.store.List(ctx, jobs.Filter{BatchID: id, Limit: maxPageSize})
	if err != nil {
		return nil, err
	}
	history, err := s.store.BatchHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := FromBatch(summary, page.Jobs, history)
	return &resp, nil
}
