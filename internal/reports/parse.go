package reports

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"docqc/internal/jobs"
)

var (
	severityPattern = regexp.MustCompile(`(?i)\*\*\s*severity\s*:?\s*\*\*\s*:?\s*(high|medium|low)\b`)
	scorePattern    = regexp.MustCompile(`(?im)^\s*(?:\*\*)?\s*(?:overall\s+)?score\s*:?\s*(?:\*\*)?\s*:?\s*([0-9]+(?:\.[0-9]+)?)\s*(?:/\s*100)?`)
	cleanPattern    = regexp.MustCompile(`(?i)\bno (?:issues|findings) (?:were )?found\b`)
)

// Finding is one structured review finding.
type Finding struct {
	Severity string `json:"severity"`
	Title    string `json:"title,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Summary is the reduced form of a review result.
type Summary struct {
	Report string           `json:"report"`
	Issues jobs.IssueCounts `json:"issues"`
	Score  *float64         `json:"score,omitempty"`
	// HasSeverity is false when the payload carried no severity information.
	HasSeverity bool `json:"hasSeverity"`
}

type structuredResult struct {
	Report   string          `json:"report"`
	Markdown string          `json:"markdown"`
	Findings []Finding       `json:"findings"`
	Score    json.RawMessage `json:"score"`
}

// ErrEmptyResult indicates a completed status without any result payload.
var ErrEmptyResult = errors.New("review result is empty")

// ParseResult reduces a raw result payload. A JSON string is treated as a
// markdown report; an object may carry report text, findings and a score.
func ParseResult(raw json.RawMessage) (Summary, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Summary{}, ErrEmptyResult
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return Summary{}, fmt.Errorf("decode result text: %w", err)
		}
		return ParseMarkdown(text), nil
	case '{':
		var result structuredResult
		if err := json.Unmarshal(trimmed, &result); err != nil {
			return Summary{}, fmt.Errorf("decode result object: %w", err)
		}
		text := result.Report
		if text == "" {
			text = result.Markdown
		}
		summary := ParseMarkdown(text)
		if len(result.Findings) > 0 {
			summary.Issues = countFindings(result.Findings)
			summary.HasSeverity = true
			if summary.Report == "" {
				summary.Report = RenderFindings(result.Findings)
			}
		}
		if score, ok := parseScore(result.Score); ok {
			summary.Score = &score
		}
		return summary, nil
	default:
		return Summary{}, fmt.Errorf("unsupported result payload starting with %q", trimmed[0])
	}
}

// ParseMarkdown counts `**Severity:** X` lines in a markdown report.
func ParseMarkdown(text string) Summary {
	summary := Summary{Report: text}
	for _, match := range severityPattern.FindAllStringSubmatch(text, -1) {
		summary.HasSeverity = true
		addSeverity(&summary.Issues, match[1])
	}
	if !summary.HasSeverity && cleanPattern.MatchString(text) {
		summary.HasSeverity = true
	}
	if match := scorePattern.FindStringSubmatch(text); match != nil {
		if value, err := strconv.ParseFloat(match[1], 64); err == nil {
			summary.Score = &value
		}
	}
	return summary
}

// RenderFindings produces a markdown report from structured findings.
func RenderFindings(findings []Finding) string {
	var b strings.Builder
	b.WriteString("# Review Findings\n")
	for i, f := range findings {
		title := strings.TrimSpace(f.Title)
		if title == "" {
			title = fmt.Sprintf("Finding %d", i+1)
		}
		fmt.Fprintf(&b, "\n## %s\n\n**Severity:** %s\n", title, normalizeSeverity(f.Severity))
		if detail := strings.TrimSpace(f.Detail); detail != "" {
			fmt.Fprintf(&b, "\n%s\n", detail)
		}
	}
	return b.String()
}

func countFindings(findings []Finding) jobs.IssueCounts {
	var counts jobs.IssueCounts
	for _, f := range findings {
		addSeverity(&counts, f.Severity)
	}
	return counts
}

func addSeverity(counts *jobs.IssueCounts, severity string) {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "high", "critical":
		counts.High++
	case "medium", "moderate":
		counts.Medium++
	default:
		counts.Low++
	}
	counts.Found++
}

func normalizeSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "high", "critical":
		return "High"
	case "medium", "moderate":
		return "Medium"
	default:
		return "Low"
	}
}

func parseScore(raw json.RawMessage) (float64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, false
	}
	var number float64
	if err := json.Unmarshal(trimmed, &number); err == nil {
		return number, true
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		text = strings.TrimSuffix(strings.TrimSpace(text), "/100")
		if value, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			return value, true
		}
	}
	return 0, false
}
