package cache

import (
	"sync"

	"github.com/openfroyo/buildcache/pkg/problems"
)

type decisionFailure struct {
	summary        problems.Summary
	header         string
	reportLocation string

	once sync.Once
	text string
}

// Error renders the console summary on first use.
func (f *decisionFailure) Error() string {
	f.once.Do(func() {
		f.text = f.summary.ConsoleText(f.header, f.reportLocation)
	})
	return f.text
}

// Causes returns the unique problem causes carried by the failure.
func (f *decisionFailure) Causes() []error {
	return f.summary.Causes
}

// Unwrap exposes the causes to errors.Is and errors.As.
func (f *decisionFailure) Unwrap() []error {
	return f.summary.Causes
}

// Summary returns the problems summary the decision was based on.
func (f *decisionFailure) Summary() problems.Summary {
	return f.summary
}

// ReportLocation returns the report reference, or "" if none was written.
func (f *decisionFailure) ReportLocation() string {
	return f.reportLocation
}

// ProblemsFailure is raised when failure problems were recorded and the
// session fails on problems.
type ProblemsFailure struct {
	decisionFailure
}

// TooManyProblemsFailure is raised when the problem count exceeds maxProblems.
type TooManyProblemsFailure struct {
	decisionFailure
}

func newProblemsFailure(summary problems.Summary, header, location string) *ProblemsFailure {
	return &ProblemsFailure{decisionFailure{summary: summary, header: header, reportLocation: location}}
}

func newTooManyProblemsFailure(summary problems.Summary, header, location string) *TooManyProblemsFailure {
	return &TooManyProblemsFailure{decisionFailure{summary: summary, header: header, reportLocation: location}}
}
