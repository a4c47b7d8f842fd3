package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")

	content := []byte("hello world")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CopyFile(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
}

func TestSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "inbox", "theory.docx")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("chapter text"), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := SnapshotFile(src, filepath.Join(dir, "artifacts", "job-1", "source"))
	if err != nil {
		t.Fatalf("SnapshotFile: %v", err)
	}
	if filepath.Base(snap) != "theory.docx" {
		t.Fatalf("expected base name preserved, got %s", snap)
	}
	got, err := os.ReadFile(snap)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "chapter text" {
		t.Fatalf("content mismatch: %q", got)
	}

	if _, err := SnapshotFile(filepath.Join(dir, "missing.docx"), dir); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reports", "job-1", "report.md")

	if err := WriteFileAtomic(path, []byte("first")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Fatalf("expected replaced content, got %q", got)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}
