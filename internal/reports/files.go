package reports

import (
	"bytes"
	"fmt"
	stdhtml "html"
	"os"
	"path/filepath"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"docqc/internal/fileutil"
)

const (
	// MarkdownName is the intermediate report file written per job.
	MarkdownName = "report.md"
	// FinalName is the converted report file written per job.
	FinalName = "report.docx"
)

// Dir returns the per-job report directory.
func Dir(reportsDir, jobID string) string {
	return filepath.Join(reportsDir, jobID)
}

// Save writes the markdown report for jobID and returns its path.
func Save(reportsDir, jobID, markdown string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("job id required")
	}
	path := filepath.Join(Dir(reportsDir, jobID), MarkdownName)
	if err := fileutil.WriteFileAtomic(path, []byte(markdown)); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	return path, nil
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderHTML converts a markdown report into a standalone HTML page.
func RenderHTML(title string, source []byte) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert(source, &body); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	page.WriteString(stdhtml.EscapeString(title))
	page.WriteString("</title></head><body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

// RenderFile reads the markdown report at path and renders it.
func RenderFile(title, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return RenderHTML(title, data)
}
