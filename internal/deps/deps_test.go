package deps

import (
	"os"
	"path/filepath"
	"testing"

	"docqc/internal/config"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Unset"},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Detail != "" {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[1].Available || results[1].Detail == "" {
		t.Fatalf("expected missing binary to be unavailable with detail, got %#v", results[1])
	}
	if results[2].Detail != "command not configured" {
		t.Fatalf("unexpected detail for unset command: %q", results[2].Detail)
	}
}

func TestConverterRequirementsDeduplicatesBinaries(t *testing.T) {
	cfg := config.Default()
	reqs := ConverterRequirements(&cfg)
	if len(reqs) != 1 || reqs[0].Command != "pandoc" {
		t.Fatalf("expected a single pandoc requirement, got %#v", reqs)
	}

	cfg.Converter.ReportCommand = []string{"soffice", "--convert-to", "docx", "{input}"}
	reqs = ConverterRequirements(&cfg)
	if len(reqs) != 2 || reqs[1].Command != "soffice" {
		t.Fatalf("expected pandoc and soffice, got %#v", reqs)
	}
}
