// Package report writes the human-facing problems report for a session.
//
// Problems are collected as Markdown and rendered to a standalone HTML page
// with goldmark. The Markdown source is written next to the HTML file.
package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/openfroyo/buildcache/pkg/problems"
	"github.com/openfroyo/buildcache/pkg/telemetry"
)

const (
	// FileName is the HTML report written into the output directory.
	FileName = "configuration-cache-report.html"

	// SourceFileName is the Markdown source of the report.
	SourceFileName = "configuration-cache-report.md"
)

// Header describes the session a report belongs to.
type Header struct {
	// ActionLabel describes the cache action, e.g. "storing the configuration cache".
	ActionLabel string

	// RequestedTasks is the space-separated list of requested task names.
	RequestedTasks string

	// ProblemCount is the total number of problems, including duplicates.
	ProblemCount int
}

// Writer accumulates first-occurrence problems and writes them out once.
type Writer struct {
	mu       sync.Mutex
	problems []problems.Problem
	md       goldmark.Markdown
	logger   *telemetry.Logger
	now      func() time.Time
}

// NewWriter creates a report writer. Logger may be nil.
func NewWriter(logger *telemetry.Logger) *Writer {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Writer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithXHTML()),
		),
		logger: logger.NewComponentLogger("report"),
		now:    time.Now,
	}
}

// Add queues a problem for the report. Safe for concurrent use.
func (w *Writer) Add(p problems.Problem) {
	w.mu.Lock()
	w.problems = append(w.problems, p)
	w.mu.Unlock()
}

// Len returns the number of queued problems.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.problems)
}

// Write renders the report into outputDir and returns a file:// reference to
// it. Nothing is written and "" is returned when the header carries no problems.
func (w *Writer) Write(ctx context.Context, outputDir string, h Header) (string, error) {
	if h.ProblemCount == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	source := w.Markdown(h)

	var body bytes.Buffer
	if err := w.md.Convert(source, &body); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	htmlPath, err := filepath.Abs(filepath.Join(outputDir, FileName))
	if err != nil {
		return "", fmt.Errorf("failed to resolve report path: %w", err)
	}
	if err := os.WriteFile(htmlPath, wrapHTML(h, body.Bytes()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, SourceFileName), source, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report source: %w", err)
	}

	w.logger.WithFields(map[string]interface{}{
		"path":     htmlPath,
		"problems": h.ProblemCount,
	}).Debug("problems report written")

	return "file://" + filepath.ToSlash(htmlPath), nil
}

// Markdown returns the report body as Markdown.
func (w *Writer) Markdown(h Header) []byte {
	w.mu.Lock()
	queued := make([]problems.Problem, len(w.problems))
	copy(queued, w.problems)
	w.mu.Unlock()

	var b bytes.Buffer
	b.WriteString("# Configuration cache report\n\n")
	fmt.Fprintf(&b, "%d problem%s found %s.\n\n", h.ProblemCount, plural(h.ProblemCount), h.ActionLabel)
	if h.RequestedTasks != "" {
		fmt.Fprintf(&b, "Requested tasks: `%s`\n\n", h.RequestedTasks)
	}
	fmt.Fprintf(&b, "Generated at %s.\n\n", w.now().UTC().Format(time.RFC3339))

	if len(queued) == 0 {
		return b.Bytes()
	}

	b.WriteString("| Severity | Kind | Location | Message |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, p := range queued {
		message := p.Message
		if p.Cause != nil {
			message += ": " + p.Cause.Error()
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			p.Severity, cell(p.Kind), cell(p.Location), cell(message))
	}
	return b.Bytes()
}

func wrapHTML(h Header, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\"/>\n")
	fmt.Fprintf(&b, "<title>Configuration cache report (%d problem%s)</title>\n", h.ProblemCount, plural(h.ProblemCount))
	b.WriteString("</head>\n<body>\n")
	b.Write(body)
	b.WriteString("</body>\n</html>\n")
	return b.Bytes()
}

// cell escapes characters that would break a GFM table row.
func cell(s string) string {
	if s == "" {
		return "-"
	}
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
