package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/buildcache/pkg/problems"
)

func fixedWriter() *Writer {
	w := NewWriter(nil)
	w.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return w
}

func TestWriter_NothingToWrite(t *testing.T) {
	dir := t.TempDir()
	w := fixedWriter()

	ref, err := w.Write(context.Background(), dir, Header{ActionLabel: "storing the configuration cache"})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if ref != "" {
		t.Errorf("Expected no reference, got %q", ref)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Errorf("Expected no report file, stat error = %v", err)
	}
}

func TestWriter_WritesHTMLAndMarkdown(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	w := fixedWriter()
	w.Add(problems.Problem{
		Kind:     "undeclared-input",
		Message:  "reads file a|b outside inputs",
		Location: ":app:compile",
		Severity: problems.SeverityFailure,
	})
	w.Add(problems.Problem{
		Kind:     "serialization",
		Message:  "cannot serialize Thread",
		Cause:    errors.New("not serializable"),
		Severity: problems.SeverityWarning,
	})

	ref, err := w.Write(context.Background(), dir, Header{
		ActionLabel:    "storing the configuration cache",
		RequestedTasks: "build test",
		ProblemCount:   3,
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.HasPrefix(ref, "file://") || !strings.HasSuffix(ref, FileName) {
		t.Errorf("Unexpected reference %q", ref)
	}

	page, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	html := string(page)
	for _, want := range []string{
		"<title>Configuration cache report (3 problems)</title>",
		"<h1>Configuration cache report</h1>",
		"<table>",
		"<td>:app:compile</td>",
		"reads file a|b outside inputs",
		"cannot serialize Thread: not serializable",
		"<code>build test</code>",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("Expected report to contain %q", want)
		}
	}

	source, err := os.ReadFile(filepath.Join(dir, SourceFileName))
	if err != nil {
		t.Fatalf("Failed to read report source: %v", err)
	}
	if !strings.Contains(string(source), "3 problems found storing the configuration cache.") {
		t.Errorf("Unexpected markdown source:\n%s", source)
	}
}

func TestWriter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fixedWriter().Write(ctx, t.TempDir(), Header{ProblemCount: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestWriter_MarkdownWithoutDetails(t *testing.T) {
	w := fixedWriter()
	md := string(w.Markdown(Header{ActionLabel: "reusing the configuration cache", ProblemCount: 1}))

	if !strings.Contains(md, "1 problem found reusing the configuration cache.") {
		t.Errorf("Unexpected markdown:\n%s", md)
	}
	if strings.Contains(md, "| Severity |") {
		t.Error("Expected no table without queued problems")
	}
	if w.Len() != 0 {
		t.Errorf("Expected empty writer, got %d", w.Len())
	}
}
