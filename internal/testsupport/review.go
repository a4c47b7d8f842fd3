package testsupport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// ReviewStatus is one scripted status response of the fake review service.
type ReviewStatus struct {
	Status string
	Result any
	Error  string
}

// Upload records one document received by the fake review service.
type Upload struct {
	ID      string
	Name    string
	Content string
}

// ReviewServer is an httptest review service. Every submission replays the
// same status script; the last entry repeats once the script is exhausted.
type ReviewServer struct {
	*httptest.Server

	mu      sync.Mutex
	script  []ReviewStatus
	uploads []Upload
	polls   map[string]int
}

// NewReviewServer starts a fake review service serving /submit and
// /status/{id}. It is closed when the test ends.
func NewReviewServer(t testing.TB, script ...ReviewStatus) *ReviewServer {
	t.Helper()

	srv := &ReviewServer{script: script, polls: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", srv.handleSubmit)
	mux.HandleFunc("/status/", srv.handleStatus)
	srv.Server = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// SetScript replaces the status script for subsequent polls.
func (s *ReviewServer) SetScript(script ...ReviewStatus) {
	s.mu.Lock()
	s.script = script
	s.mu.Unlock()
}

// Uploads returns the documents received so far.
func (s *ReviewServer) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Polls returns how often the status of id was requested.
func (s *ReviewServer) Polls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[id]
}

func (s *ReviewServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	id := fmt.Sprintf("ext-%d", len(s.uploads)+1)
	s.uploads = append(s.uploads, Upload{ID: id, Name: r.FormValue("name"), Content: string(content)})
	s.mu.Unlock()

	writeJSON(w, map[string]any{"jobId": id, "status": "queued"})
}

func (s *ReviewServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/status/")

	s.mu.Lock()
	known := false
	for _, upload := range s.uploads {
		if upload.ID == id {
			known = true
			break
		}
	}
	s.polls[id]++
	count := s.polls[id]
	script := s.script
	s.mu.Unlock()

	if !known {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	next := ReviewStatus{Status: "processing"}
	if len(script) > 0 {
		idx := count - 1
		if idx >= len(script) {
			idx = len(script) - 1
		}
		next = script[idx]
	}
	body := map[string]any{"jobId": id, "status": next.Status}
	if next.Result != nil {
		body["result"] = next.Result
	}
	if next.Error != "" {
		body["error"] = next.Error
	}
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
