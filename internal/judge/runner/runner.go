// Package runner defines the execution backends that turn a submission into
// per-testcase results.
package runner

import (
	"context"
	"time"

	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

// ProgressFunc is invoked after each testcase finishes. current is 1-based.
type ProgressFunc func(ctx context.Context, result model.ExecutionResult, current, total int)

// Limits carries the problem-level resource caps.
type Limits struct {
	TimePerTest time.Duration
	MemoryMb    int64
}

// TimeFor returns the time limit for tc, preferring its own override.
func (l Limits) TimeFor(tc model.Testcase) time.Duration {
	if tc.TimeoutMs != nil && *tc.TimeoutMs > 0 {
		return time.Duration(*tc.TimeoutMs) * time.Millisecond
	}
	if l.TimePerTest > 0 {
		return l.TimePerTest
	}
	return model.DefaultTimeLimitMs * time.Millisecond
}

// Request describes one evaluation.
type Request struct {
	SubmissionID string
	Language     model.Language
	Code         string
	Testcases    []model.Testcase
	Limits       Limits
	// Dataset is set for languages that need one loaded before each run.
	Dataset  *model.Dataset
	Progress ProgressFunc
}

// Report calls the progress callback when one is set.
func (r Request) Report(ctx context.Context, result model.ExecutionResult, current int) {
	if r.Progress != nil {
		r.Progress(ctx, result, current, len(r.Testcases))
	}
}

// Outcome is what a runner hands back. A non-nil CompileOutput means the
// code did not compile and Results is empty.
type Outcome struct {
	Results       []model.ExecutionResult
	CompileOutput *string
}

// CompileFailed reports whether the run stopped at compilation.
func (o Outcome) CompileFailed() bool {
	return o.CompileOutput != nil
}

// Runner evaluates code against every testcase in order. A returned error is
// an infrastructure fault; judged failures are reported through Outcome.
type Runner interface {
	Evaluate(ctx context.Context, req Request) (Outcome, error)
}

// Describer is implemented by runners that announce their run phase with a
// backend specific message.
type Describer interface {
	RunningMessage() string
}

// RunningMessage returns the progress message shown when r starts.
func RunningMessage(r Runner) string {
	if d, ok := r.(Describer); ok {
		return d.RunningMessage()
	}
	return "Running your code..."
}

// Entry binds a language to its runner.
type Entry struct {
	Runner       Runner
	NeedsDataset bool
}

// Registry resolves a language to its runner.
type Registry struct {
	entries map[model.Language]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[model.Language]Entry)}
}

// Register binds lang to r, replacing any earlier binding.
func (g *Registry) Register(lang model.Language, r Runner, needsDataset bool) {
	g.entries[lang] = Entry{Runner: r, NeedsDataset: needsDataset}
}

// Lookup returns the entry for lang.
func (g *Registry) Lookup(lang model.Language) (Entry, error) {
	entry, ok := g.entries[lang]
	if !ok || entry.Runner == nil {
		return Entry{}, appErr.Newf(appErr.LanguageNotSupported, "no runner registered for language %q", lang)
	}
	return entry, nil
}

// Languages lists registered languages.
func (g *Registry) Languages() []model.Language {
	out := make([]model.Language, 0, len(g.entries))
	for lang := range g.entries {
		out = append(out, lang)
	}
	return out
}
