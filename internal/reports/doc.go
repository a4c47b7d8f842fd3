// Package reports interprets review-service results and manages report files.
//
// ParseResult accepts the result payload in either of its shapes, a markdown
// string or an object with report text, findings and an optional score, and
// reduces it to a Summary with per-severity issue counts. CheckNumbering
// validates question numbering in converted MCQ documents. Save and RenderHTML
// persist reports under the reports directory and render them for the API.
package reports
