package problems

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/openfroyo/buildcache/pkg/telemetry"
)

func TestCollector_CountsEveryRecord(t *testing.T) {
	c := NewCollector(nil, nil)

	severities := []Severity{SeverityWarning, SeverityFailure, SeverityWarning, SeverityFailure, SeverityFailure}
	for i, sev := range severities {
		c.Record(Problem{Kind: "kind", Message: fmt.Sprintf("m%d", i)}, sev)
	}

	s := c.Snapshot()
	if s.ProblemCount != 5 {
		t.Errorf("Expected 5 problems, got %d", s.ProblemCount)
	}
	if s.FailureCount != 3 {
		t.Errorf("Expected 3 failures, got %d", s.FailureCount)
	}
	if s.ProblemCount < s.FailureCount {
		t.Error("Expected problem count >= failure count")
	}
}

func TestCollector_FirstOccurrencePerKind(t *testing.T) {
	c := NewCollector(nil, nil)

	if !c.Record(Problem{Kind: "undeclared-input", Message: "a"}, SeverityWarning) {
		t.Error("Expected first record of a kind to report true")
	}
	if c.Record(Problem{Kind: "undeclared-input", Message: "b"}, SeverityFailure) {
		t.Error("Expected second record of a kind to report false")
	}
	if !c.Record(Problem{Kind: "serialization", Message: "c"}, SeverityWarning) {
		t.Error("Expected first record of another kind to report true")
	}
}

func TestCollector_CausesUniqueAndCapped(t *testing.T) {
	c := NewCollector(nil, nil)

	c.Record(Problem{Kind: "k", Location: ":a", Message: "dup"}, SeverityWarning)
	c.Record(Problem{Kind: "k", Location: ":a", Message: "dup"}, SeverityWarning)
	for i := 0; i < 8; i++ {
		c.Record(Problem{Kind: "k", Location: ":b", Message: fmt.Sprintf("m%d", i)}, SeverityWarning)
	}

	s := c.Snapshot()
	if len(s.Causes) != MaxCauses {
		t.Fatalf("Expected %d causes, got %d", MaxCauses, len(s.Causes))
	}
	if s.Causes[0].Error() != ":a: dup" {
		t.Errorf("Expected first cause ':a: dup', got %q", s.Causes[0].Error())
	}
	if s.UniqueCauseCount != 9 {
		t.Errorf("Expected 9 unique causes, got %d", s.UniqueCauseCount)
	}
}

func TestCollector_CauseWrapsUnderlyingError(t *testing.T) {
	root := errors.New("socket closed")
	c := NewCollector(nil, nil)
	c.Record(Problem{Kind: "k", Location: ":net", Message: "cannot serialize", Cause: root}, SeverityFailure)

	cause := c.Snapshot().Causes[0]
	if !errors.Is(cause, root) {
		t.Error("Expected cause to wrap the underlying error")
	}
	if cause.Error() != ":net: cannot serialize: socket closed" {
		t.Errorf("Unexpected cause text %q", cause.Error())
	}
}

func TestCollector_ScopedAtForcesSeverity(t *testing.T) {
	c := NewCollector(nil, nil)
	if c.Snapshot().HasIncompatibleTypes {
		t.Fatal("Expected incompatible flag to start false")
	}

	scoped := c.ScopedAt(SeverityWarning)
	for _, sev := range []Severity{SeverityFailure, SeverityWarning, SeverityFailure} {
		scoped.Record(Problem{Kind: "incompatible-type", Message: "thread"}, sev)
	}

	s := c.Snapshot()
	if s.ProblemCount != 3 {
		t.Errorf("Expected 3 problems, got %d", s.ProblemCount)
	}
	if s.FailureCount != 0 {
		t.Errorf("Expected scoped records to be warnings, got %d failures", s.FailureCount)
	}
	if !s.HasIncompatibleTypes {
		t.Error("Expected incompatible flag to be raised")
	}
}

func TestCollector_ScopedDecoratorIsolation(t *testing.T) {
	var got []Severity
	inner := RecorderFunc(func(p Problem, sev Severity) bool {
		got = append(got, sev)
		return true
	})

	scoped := &scopedRecorder{target: inner, severity: SeverityFailure}
	scoped.Record(Problem{Kind: "k"}, SeverityWarning)

	if len(got) != 1 || got[0] != SeverityFailure {
		t.Errorf("Expected forced failure severity, got %v", got)
	}
}

func TestCollector_FinalizeRejectsLateRecords(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(telemetry.NewWriterLogger(&buf, "info"), nil)
	c.Record(Problem{Kind: "k", Message: "early"}, SeverityWarning)
	c.Finalize()

	if c.Record(Problem{Kind: "other", Message: "late"}, SeverityFailure) {
		t.Error("Expected late record to return false")
	}
	s := c.Snapshot()
	if s.ProblemCount != 1 || s.FailureCount != 0 {
		t.Errorf("Expected counts frozen at 1/0, got %d/%d", s.ProblemCount, s.FailureCount)
	}
	if !strings.Contains(buf.String(), "after the report phase") {
		t.Errorf("Expected usage error to be logged, got %q", buf.String())
	}
	if !c.Finalized() {
		t.Error("Expected Finalized() to be true")
	}
}

func TestCollector_ConcurrentRecord(t *testing.T) {
	c := NewCollector(nil, nil)

	const workers = 16
	const perWorker = 250
	var firsts int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				sev := SeverityWarning
				if i%5 == 0 {
					sev = SeverityFailure
				}
				if c.Record(Problem{Kind: fmt.Sprintf("kind-%d", i%10), Message: "m"}, sev) {
					mu.Lock()
					firsts++
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	s := c.Snapshot()
	if s.ProblemCount != workers*perWorker {
		t.Errorf("Expected %d problems, got %d", workers*perWorker, s.ProblemCount)
	}
	if s.FailureCount != workers*perWorker/5 {
		t.Errorf("Expected %d failures, got %d", workers*perWorker/5, s.FailureCount)
	}
	if firsts != 10 {
		t.Errorf("Expected exactly 10 first occurrences, got %d", firsts)
	}
}

func TestSummary_ConsoleText(t *testing.T) {
	s := Summary{
		ProblemCount:     7,
		Causes:           []error{errors.New(":a: one"), errors.New(":b: two")},
		UniqueCauseCount: 3,
	}

	text := s.ConsoleText("7 problems were found storing the configuration cache.", "file:///tmp/report.html")
	want := "7 problems were found storing the configuration cache.\n" +
		"- :a: one\n" +
		"- :b: two\n" +
		"plus 1 more problem. Please see the report for details.\n\n" +
		"See the complete report at file:///tmp/report.html"
	if text != want {
		t.Errorf("Unexpected console text:\n%s\nwant:\n%s", text, want)
	}

	if got := (Summary{}).ConsoleText("header", ""); got != "header" {
		t.Errorf("Expected bare header, got %q", got)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{in: "warning", want: SeverityWarning},
		{in: "Failure", want: SeverityFailure},
		{in: " error ", want: SeverityFailure},
		{in: "fatal", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSeverity(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if SeverityFailure.String() != "failure" {
		t.Errorf("Unexpected String() %q", SeverityFailure.String())
	}
}
