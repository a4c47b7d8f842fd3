package services_test

import (
	"errors"
	"strings"
	"testing"

	"docqc/internal/jobs"
	"docqc/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "converting", "pandoc", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"converting", "pandoc", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestFailureStatusMapping(t *testing.T) {
	numbering := services.Wrap(services.ErrNumbering, "validating", "numbering", "gap after 4", nil)
	if status := services.FailureStatus(numbering); status != jobs.StatusNumberingFailed {
		t.Fatalf("expected numbering_failed, got %s", status)
	}

	lock := services.Wrap(services.ErrLockConflict, "converting", "lock", "held by alice@host", nil)
	if status := services.FailureStatus(lock); status != jobs.StatusFailed {
		t.Fatalf("expected failed for lock conflict, got %s", status)
	}

	if status := services.FailureStatus(nil); status != jobs.StatusFailed {
		t.Fatalf("expected failed for nil error, got %s", status)
	}
}

func TestMessageNeverEmpty(t *testing.T) {
	if services.Message(nil) == "" {
		t.Fatal("expected fallback message for nil")
	}
	if got := services.Message(errors.New("  ")); got != "unknown error" {
		t.Fatalf("unexpected message %q", got)
	}
}
