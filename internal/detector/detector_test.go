package detector_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"docqc/internal/config"
	"docqc/internal/detector"
	"docqc/internal/jobs"
	"docqc/internal/testsupport"
)

func watchConfig(root string, nested, initialScan bool) config.Watch {
	return config.Watch{
		Roots:           []string{root},
		Extensions:      []string{".docx"},
		Nested:          nested,
		InitialScan:     initialScan,
		StabilizationMS: 30,
		FolderSettleMS:  60,
		DedupWindowMS:   5000,
	}
}

func startDetector(t *testing.T, cfg config.Watch) *detector.Detector {
	t.Helper()
	d := detector.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("detector did not stop")
		}
	})
	return d
}

func nextEvent(t *testing.T, d *detector.Detector, timeout time.Duration) detector.Event {
	t.Helper()
	select {
	case ev, ok := <-d.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for document event")
	}
	return detector.Event{}
}

func expectNoEvent(t *testing.T, d *detector.Detector, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-d.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(wait):
	}
}

func TestInitialScanEmitsMergeForThreeRoleFolder(t *testing.T) {
	root := t.TempDir()
	chapter := filepath.Join(root, "3 Files", "Chapter 2")
	testsupport.WriteFile(t, filepath.Join(chapter, "mcqs.docx"), "questions")
	testsupport.WriteFile(t, filepath.Join(chapter, "solution.docx"), "answers")
	testsupport.WriteFile(t, filepath.Join(chapter, "~$mcqs.docx"), "owner lock")

	d := startDetector(t, watchConfig(root, true, true))
	ev := nextEvent(t, d, 3*time.Second)
	if ev.Kind != detector.KindMerge || ev.Role != jobs.RoleMCQs {
		t.Fatalf("expected merge event, got %+v", ev)
	}
	if ev.Folder != "3 Files" || ev.Chapter != "Chapter 2" {
		t.Fatalf("unexpected grouping %+v", ev)
	}
	if len(ev.Paths) != 2 || filepath.Base(ev.Paths[0]) != "mcqs.docx" || filepath.Base(ev.Paths[1]) != "solution.docx" {
		t.Fatalf("unexpected merge paths %v", ev.Paths)
	}
	if len(ev.Related) != 2 {
		t.Fatalf("temp file should not be related: %v", ev.Related)
	}
	expectNoEvent(t, d, 200*time.Millisecond)
}

func TestLiveDetectionFiltersAndDeduplicates(t *testing.T) {
	root := t.TempDir()
	d := startDetector(t, watchConfig(root, false, false))
	time.Sleep(200 * time.Millisecond)

	testsupport.WriteFile(t, filepath.Join(root, ".hidden.docx"), "x")
	testsupport.WriteFile(t, filepath.Join(root, "notes.txt"), "x")
	target := filepath.Join(root, "chapter1_theory.docx")
	testsupport.WriteFile(t, target, "first draft")

	ev := nextEvent(t, d, 3*time.Second)
	if ev.Primary() != target || ev.Role != jobs.RoleTheory || ev.Kind != detector.KindSingle {
		t.Fatalf("unexpected event %+v", ev)
	}

	if err := os.WriteFile(target, []byte("second save"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	expectNoEvent(t, d, 300*time.Millisecond)
}

func TestNewChapterFolderIsWatched(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "2 Files"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	d := startDetector(t, watchConfig(root, true, false))
	time.Sleep(200 * time.Millisecond)

	chapter := filepath.Join(root, "2 Files", "Chapter 9")
	testsupport.WriteFile(t, filepath.Join(chapter, "chapter9_theory.docx"), "theory text")

	ev := nextEvent(t, d, 3*time.Second)
	if ev.Role != jobs.RoleTheory || ev.Chapter != "Chapter 9" || ev.Format != detector.FormatTwo {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRunRejectsMissingRoot(t *testing.T) {
	d := detector.New(watchConfig(filepath.Join(t.TempDir(), "missing"), false, false))
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing root")
	}
	if _, ok := <-d.Events(); ok {
		t.Fatal("events channel should be closed")
	}
}
