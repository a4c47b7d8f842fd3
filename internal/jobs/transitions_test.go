package jobs_test

import (
	"errors"
	"testing"
	"time"

	"docqc/internal/jobs"
)

func TestApplyHappyPath(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	job := jobs.Job{ID: "j1", FilePath: "/inbox/a.docx", Status: jobs.StatusQueued}
	score := 91.5

	steps := []struct {
		ev   jobs.Event
		want jobs.Status
	}{
		{jobs.Event{Kind: jobs.EventValidate, Agent: "qc@host-a"}, jobs.StatusValidating},
		{jobs.Event{Kind: jobs.EventConvert}, jobs.StatusConverting},
		{jobs.Event{Kind: jobs.EventConverted, ArtifactPath: "/art/a.md"}, jobs.StatusConverted},
		{jobs.Event{Kind: jobs.EventSubmit}, jobs.StatusSubmitting},
		{jobs.Event{Kind: jobs.EventSubmitted, ExternalID: "ext-1"}, jobs.StatusProcessing},
		{jobs.Event{Kind: jobs.EventDownload}, jobs.StatusDownloading},
		{jobs.Event{Kind: jobs.EventComplete, ReportPath: "/r/report.md", Issues: jobs.IssueCounts{Found: 2, High: 1, Low: 1}, Score: &score}, jobs.StatusCompleted},
	}
	var err error
	for i, step := range steps {
		step.ev.At = at.Add(time.Duration(i) * time.Minute)
		job, err = jobs.Apply(job, step.ev)
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, step.ev.Kind, err)
		}
		if job.Status != step.want {
			t.Fatalf("step %d: status %s, want %s", i, job.Status, step.want)
		}
		if !job.UpdatedAt.Equal(step.ev.At) {
			t.Fatalf("step %d: updated_at not stamped", i)
		}
	}
	if job.ProcessedBy != "qc@host-a" || job.ArtifactPath != "/art/a.md" || job.ExternalID != "ext-1" {
		t.Fatalf("payload not carried: %+v", job)
	}
	if job.SubmittedAt == nil || !job.SubmittedAt.Equal(at.Add(4*time.Minute)) {
		t.Fatalf("unexpected submitted_at %v", job.SubmittedAt)
	}
	if job.CompletedAt == nil || job.Issues.Found != 2 || job.Score == nil || *job.Score != 91.5 {
		t.Fatalf("unexpected completion fields: %+v", job)
	}
}

func TestApplyRejectsOutOfOrderEvents(t *testing.T) {
	job := jobs.Job{Status: jobs.StatusQueued}
	if _, err := jobs.Apply(job, jobs.Event{Kind: jobs.EventSubmitted, ExternalID: "x"}); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	job.Status = jobs.StatusConverting
	if _, err := jobs.Apply(job, jobs.Event{Kind: jobs.EventConverted}); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected missing artifact to be rejected, got %v", err)
	}
	job.Status = jobs.StatusCompleted
	if _, err := jobs.Apply(job, jobs.Event{Kind: jobs.EventFail, Message: "late"}); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected terminal job to reject fail, got %v", err)
	}
	if _, err := jobs.Apply(job, jobs.Event{Kind: jobs.EventRetry}); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("expected completed job to reject retry, got %v", err)
	}
}

func TestApplyFailAndRetry(t *testing.T) {
	score := 10.0
	submitted := time.Now()
	job := jobs.Job{
		Status:       jobs.StatusProcessing,
		ExternalID:   "ext-9",
		ArtifactPath: "/art/x.md",
		SubmittedAt:  &submitted,
		Score:        &score,
		RetryCount:   2,
	}

	failed, err := jobs.Apply(job, jobs.Event{Kind: jobs.EventFail, Status: jobs.StatusNumberingFailed, Message: "gap after 4"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != jobs.StatusNumberingFailed || failed.ErrorMessage != "gap after 4" || failed.CompletedAt == nil {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	blank, err := jobs.Apply(job, jobs.Event{Kind: jobs.EventFail})
	if err != nil {
		t.Fatalf("fail without message: %v", err)
	}
	if blank.Status != jobs.StatusFailed || blank.ErrorMessage == "" {
		t.Fatalf("expected default failure status and message, got %+v", blank)
	}

	retried, err := jobs.Apply(failed, jobs.Event{Kind: jobs.EventRetry})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != jobs.StatusQueued {
		t.Fatalf("expected queued, got %s", retried.Status)
	}
	if retried.ErrorMessage != "" || retried.ExternalID != "" || retried.RetryCount != 0 ||
		retried.SubmittedAt != nil || retried.ArtifactPath != "" || retried.Score != nil || retried.CompletedAt != nil {
		t.Fatalf("retry did not reset job: %+v", retried)
	}
}

func TestApplyReportOutcomes(t *testing.T) {
	base := jobs.Job{Status: jobs.StatusDownloading, ReportPath: "/r/report.md"}

	pending, err := jobs.Apply(base, jobs.Event{Kind: jobs.EventNeedsVerification})
	if err != nil || pending.Status != jobs.StatusPendingVerification {
		t.Fatalf("needs verification: %v %+v", err, pending)
	}
	if !pending.Status.IsSuccess() || !pending.Status.IsTerminal() {
		t.Fatal("pending verification should be success-terminal")
	}

	convFailed, err := jobs.Apply(base, jobs.Event{Kind: jobs.EventReportConversionFailed, Message: "pandoc exited 1"})
	if err != nil {
		t.Fatalf("report conversion failed: %v", err)
	}
	if convFailed.Status != jobs.StatusConversionFailed || convFailed.ReportPath != "/r/report.md" || convFailed.ErrorMessage != "pandoc exited 1" {
		t.Fatalf("unexpected job: %+v", convFailed)
	}
	if !convFailed.Status.IsFailure() {
		t.Fatal("conversion_failed should be retry eligible")
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := jobs.ParseStatus(" Pending-Verification "); !ok || status != jobs.StatusPendingVerification {
		t.Fatalf("unexpected parse: %q %v", status, ok)
	}
	if _, ok := jobs.ParseStatus("bogus"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
	if jobs.StatusProcessing.IsLocal() || !jobs.StatusMerging.IsLocal() {
		t.Fatal("unexpected local classification")
	}
}
