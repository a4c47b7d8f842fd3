package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"docqc/internal/config"
	"docqc/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckReview_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	result := CheckReview(context.Background(), config.Review{BaseURL: srv.URL, APIKey: "good-key"})
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckReview_BadKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	result := CheckReview(context.Background(), config.Review{BaseURL: srv.URL, APIKey: "bad"})
	if result.Passed {
		t.Fatal("expected failure for rejected key")
	}
	if result.Detail != "auth failed (check review.api_key)" {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestCheckReview_NotConfigured(t *testing.T) {
	result := CheckReview(context.Background(), config.Review{})
	if result.Passed || result.Detail != "base_url not configured" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCheckReview_Refused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	result := CheckReview(context.Background(), config.Review{BaseURL: url})
	if result.Passed {
		t.Fatal("expected failure for closed server")
	}
}

func TestCheckConverters_MissingBinary(t *testing.T) {
	cfg := config.Default()
	cfg.Converter.DocumentCommand = []string{"docqc-no-such-binary", "{input}", "{output}"}
	results := CheckConverters(&cfg)
	if len(results) == 0 {
		t.Fatal("expected converter results")
	}
	if results[0].Passed {
		t.Fatalf("expected missing binary to fail: %+v", results[0])
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(context.Background(), nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_ConfiguredEnvironment(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	cfg := testsupport.NewConfig(t, testsupport.WithReviewService(srv.URL), testsupport.WithShellConverters())

	results := RunAll(context.Background(), cfg)
	// watch root, state, reports, artifacts, cp, sh, review
	if len(results) != 7 {
		t.Fatalf("expected 7 results, got %d: %+v", len(results), results)
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
	if Failed(results) {
		t.Fatal("expected no failures")
	}
}

func TestRunAll_ReportsMissingWatchRoot(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithShellConverters())
	cfg.Watch.Roots = []string{filepath.Join(t.TempDir(), "gone")}

	results := RunAll(context.Background(), cfg)
	if results[0].Name != "Watch root" || results[0].Passed {
		t.Fatalf("expected failing watch root first, got %+v", results[0])
	}
	if !Failed(results) {
		t.Fatal("expected RunAll to report failure")
	}
}
