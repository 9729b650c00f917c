package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/queue"
	"codejudge/internal/judge/runner"
	appErr "codejudge/pkg/errors"
)

type fakeSubmissions struct {
	mu       sync.Mutex
	items    map[string]*model.Submission
	statuses []model.SubmissionStatus
}

func newFakeSubmissions(subs ...*model.Submission) *fakeSubmissions {
	f := &fakeSubmissions{items: make(map[string]*model.Submission)}
	for _, s := range subs {
		f.items[s.ID] = s
	}
	return f
}

func (f *fakeSubmissions) Create(_ context.Context, sub *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[sub.ID] = sub
	return nil
}

func (f *fakeSubmissions) Get(_ context.Context, id string) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.items[id]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubmissions) Transition(_ context.Context, id string, next model.SubmissionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.items[id]
	if !sub.Status.CanTransition(next) {
		return appErr.Newf(appErr.InvalidTransition, "%s -> %s", sub.Status, next)
	}
	sub.Status = next
	sub.Verdict = nil
	f.statuses = append(f.statuses, next)
	return nil
}

func (f *fakeSubmissions) SaveOutcome(_ context.Context, id string, o model.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.items[id]
	if !sub.Status.CanTransition(o.Status) {
		return appErr.Newf(appErr.InvalidTransition, "%s -> %s", sub.Status, o.Status)
	}
	v := o.Verdict
	at := o.CompletedAt
	sub.Status = o.Status
	sub.Verdict = &v
	sub.Results = o.Results
	sub.CompileOutput = o.CompileOutput
	sub.TotalPassed = o.TotalPassed
	sub.TotalTests = o.TotalTests
	sub.TotalRuntimeMs = o.TotalRuntimeMs
	sub.CompletedAt = &at
	f.statuses = append(f.statuses, o.Status)
	return nil
}

func (f *fakeSubmissions) get(id string) model.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.items[id]
}

type fakeProblems struct {
	problems map[string]*model.Problem
	recorded []bool
}

func (f *fakeProblems) Get(_ context.Context, id string) (*model.Problem, error) {
	p, ok := f.problems[id]
	if !ok {
		return nil, appErr.New(appErr.ProblemNotFound)
	}
	return p, nil
}

func (f *fakeProblems) RecordResult(_ context.Context, id string, accepted bool) error {
	p := f.problems[id]
	p.TotalSubmissions++
	if accepted {
		p.TotalAccepted++
	}
	p.AcceptanceRate = float64(p.TotalAccepted) * 100 / float64(p.TotalSubmissions)
	f.recorded = append(f.recorded, accepted)
	return nil
}

type fakeDatasets struct {
	datasets map[string]*model.Dataset
}

func (f *fakeDatasets) Get(_ context.Context, id string) (*model.Dataset, error) {
	ds, ok := f.datasets[id]
	if !ok {
		return nil, appErr.New(appErr.DatasetNotFound)
	}
	return ds, nil
}

// scriptedRunner reports every scripted result and returns them.
type scriptedRunner struct {
	results       []model.ExecutionResult
	compileOutput *string
	err           error
	calls         int
	lastRequest   runner.Request
}

func (r *scriptedRunner) Evaluate(ctx context.Context, req runner.Request) (runner.Outcome, error) {
	r.calls++
	r.lastRequest = req
	if r.err != nil {
		return runner.Outcome{}, r.err
	}
	if r.compileOutput != nil {
		return runner.Outcome{Results: []model.ExecutionResult{}, CompileOutput: r.compileOutput}, nil
	}
	for i, res := range r.results {
		req.Report(ctx, res, i+1)
	}
	return runner.Outcome{Results: r.results}, nil
}

type panickingRunner struct{}

func (panickingRunner) Evaluate(ctx context.Context, req runner.Request) (runner.Outcome, error) {
	var counts map[string]int
	counts[req.SubmissionID]++
	return runner.Outcome{}, nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, e model.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

type fakePublisher struct {
	events []model.ProgressEvent
}

func (p *fakePublisher) PublishFinalStatus(_ context.Context, e model.ProgressEvent) error {
	p.events = append(p.events, e)
	return nil
}

type fakeQueue struct {
	submitted []string
	err       error
}

func (q *fakeQueue) Submit(_ context.Context, submissionID, ownerID, problemID string) error {
	if q.err != nil {
		return q.err
	}
	q.submitted = append(q.submitted, submissionID+"/"+ownerID+"/"+problemID)
	return nil
}

type harness struct {
	svc         *Service
	submissions *fakeSubmissions
	problems    *fakeProblems
	broadcaster *recordingBroadcaster
	publisher   *fakePublisher
	queue       *fakeQueue
}

func newHarness(t *testing.T, sub *model.Submission, problem *model.Problem, registry *runner.Registry, datasets map[string]*model.Dataset) *harness {
	t.Helper()
	h := &harness{
		submissions: newFakeSubmissions(sub),
		problems:    &fakeProblems{problems: map[string]*model.Problem{problem.ID: problem}},
		broadcaster: &recordingBroadcaster{},
		publisher:   &fakePublisher{},
		queue:       &fakeQueue{},
	}
	svc, err := NewService(Config{
		Submissions: h.submissions,
		Problems:    h.problems,
		Datasets:    &fakeDatasets{datasets: datasets},
		Runners:     registry,
		Broadcaster: h.broadcaster,
		Publisher:   h.publisher,
		Queue:       h.queue,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	h.svc = svc
	return h
}

func pendingSubmission(lang model.Language) *model.Submission {
	return &model.Submission{ID: "s1", OwnerID: "u1", ProblemID: "p1", Language: lang, Code: "code", Status: model.StatusPending}
}

func problemWithTests(n int) *model.Problem {
	p := &model.Problem{ID: "p1", TimeLimitPerTestMs: 1500, MemoryLimitMb: 64, TotalSubmissions: 3, TotalAccepted: 1, AcceptanceRate: 100.0 / 3}
	for i := 1; i <= n; i++ {
		p.Testcases = append(p.Testcases, model.Testcase{ID: fmt.Sprintf("t%d", i), Weight: 1, ComparatorConfig: model.DefaultComparatorConfig()})
	}
	return p
}

func job() queue.Job {
	return queue.Job{SubmissionID: "s1", OwnerID: "u1", ProblemID: "p1", MaxAttempts: 3}
}

func TestNewService_RequiresBroadcaster(t *testing.T) {
	t.Parallel()
	_, err := NewService(Config{
		Submissions: newFakeSubmissions(),
		Problems:    &fakeProblems{},
		Datasets:    &fakeDatasets{},
		Runners:     runner.NewRegistry(),
		Queue:       &fakeQueue{},
	})
	if err == nil {
		t.Fatalf("expected construction error without broadcaster")
	}
}

func TestHandle_AllPassingIsAccepted(t *testing.T) {
	t.Parallel()
	problem := problemWithTests(6)
	r := &scriptedRunner{}
	for _, tc := range problem.Testcases {
		r.results = append(r.results, model.ExecutionResult{TestcaseID: tc.ID, Status: model.ResultPassed, RuntimeMs: 5})
	}
	registry := runner.NewRegistry()
	registry.Register(model.LanguagePython, r, false)
	h := newHarness(t, pendingSubmission(model.LanguagePython), problem, registry, nil)

	if err := h.svc.Handle(context.Background(), job()); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sub := h.submissions.get("s1")
	if sub.Status != model.StatusCompleted || sub.Verdict == nil || *sub.Verdict != model.VerdictAccepted {
		t.Fatalf("unexpected final state %+v", sub)
	}
	if sub.TotalPassed != 6 || sub.TotalTests != 6 || sub.TotalRuntimeMs != 30 || len(sub.Results) != 6 {
		t.Fatalf("unexpected totals %+v", sub)
	}
	wantStatuses := []model.SubmissionStatus{model.StatusCompiling, model.StatusRunning, model.StatusCompleted}
	if fmt.Sprint(h.submissions.statuses) != fmt.Sprint(wantStatuses) {
		t.Fatalf("status path %v, want %v", h.submissions.statuses, wantStatuses)
	}
	if r.lastRequest.Limits.TimePerTest != 1500*time.Millisecond || r.lastRequest.Limits.MemoryMb != 64 {
		t.Fatalf("limits not forwarded: %+v", r.lastRequest.Limits)
	}

	if p := h.problems.problems["p1"]; p.TotalSubmissions != 4 || p.TotalAccepted != 2 || p.AcceptanceRate <= 100.0/3 {
		t.Fatalf("statistics not updated: %+v", p)
	}

	var progress []int
	for _, e := range h.broadcaster.events {
		if e.Progress != nil {
			progress = append(progress, *e.Progress)
		}
	}
	if got := fmt.Sprint(progress); got != "[0 10 25 40 55 70 85 100 100]" {
		t.Fatalf("progress sequence %s", got)
	}
	update := h.broadcaster.events[2]
	if update.TestcaseUpdate == nil || update.TestcaseUpdate.TestcaseID != "t1" || update.TestcaseUpdate.Current != 1 || update.TestcaseUpdate.Total != 6 || update.Message != "Running test 1/6" {
		t.Fatalf("unexpected testcase update %+v", update)
	}
	final := h.broadcaster.events[len(h.broadcaster.events)-1]
	if final.Message != "Evaluation completed: ACCEPTED" || len(final.Results) != 6 || final.TotalPassed == nil || *final.TotalPassed != 6 {
		t.Fatalf("unexpected final event %+v", final)
	}
	if len(h.publisher.events) != 1 || h.publisher.events[0].Status != model.StatusCompleted {
		t.Fatalf("expected one published final status, got %+v", h.publisher.events)
	}
}

func TestHandle_CompileErrorShortCircuits(t *testing.T) {
	t.Parallel()
	diag := "main.cpp:1: error: expected ';'"
	r := &scriptedRunner{compileOutput: &diag}
	registry := runner.NewRegistry()
	registry.Register(model.LanguageCPP, r, false)
	h := newHarness(t, pendingSubmission(model.LanguageCPP), problemWithTests(3), registry, nil)

	if err := h.svc.Handle(context.Background(), job()); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sub := h.submissions.get("s1")
	if sub.Status != model.StatusCompleted || *sub.Verdict != model.VerdictCompilationError {
		t.Fatalf("unexpected final state %+v", sub)
	}
	if sub.Results == nil || len(sub.Results) != 0 || sub.CompileOutput == nil || *sub.CompileOutput != diag {
		t.Fatalf("compile error must persist empty results and the diagnostic: %+v", sub)
	}
	withCompileText := 0
	for _, e := range h.broadcaster.events {
		if e.CompileOutput != nil {
			withCompileText++
			if *e.CompileOutput != diag || e.Message != "Compilation failed" {
				t.Fatalf("unexpected compile event %+v", e)
			}
		}
	}
	if withCompileText != 1 {
		t.Fatalf("compile output broadcast %d times, want 1", withCompileText)
	}
	if len(h.problems.recorded) != 0 {
		t.Fatalf("compile errors do not count towards statistics")
	}
}

func TestHandle_DatasetMissingFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	r := &scriptedRunner{}
	registry := runner.NewRegistry()
	registry.Register(model.LanguageSQL, r, true)

	cases := []struct {
		name      string
		datasetID *string
	}{
		{name: "no dataset attached"},
		{name: "dataset not stored", datasetID: func() *string { s := "gone"; return &s }()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			problem := problemWithTests(2)
			problem.DatasetID = tc.datasetID
			h := newHarness(t, pendingSubmission(model.LanguageSQL), problem, registry, map[string]*model.Dataset{})

			err := h.svc.Handle(context.Background(), job())
			if !appErr.Is(err, appErr.DatasetMissing) || appErr.IsRetryable(err) {
				t.Fatalf("expected non-retryable DatasetMissing, got %v", err)
			}
			sub := h.submissions.get("s1")
			if sub.Status != model.StatusFailed || *sub.Verdict != model.VerdictInternalError {
				t.Fatalf("unexpected final state %+v", sub)
			}
			final := h.broadcaster.events[len(h.broadcaster.events)-1]
			if final.Status != model.StatusFailed || final.Message != "An error occurred during evaluation" {
				t.Fatalf("unexpected final event %+v", final)
			}
			if len(h.publisher.events) != 1 {
				t.Fatalf("permanent failures are published as final")
			}
		})
	}
	if r.calls != 0 {
		t.Fatalf("runner must not be invoked without a dataset")
	}
}

func TestHandle_DatasetIsForwarded(t *testing.T) {
	t.Parallel()
	r := &scriptedRunner{results: []model.ExecutionResult{{TestcaseID: "t1", Status: model.ResultPassed}}}
	registry := runner.NewRegistry()
	registry.Register(model.LanguagePandas, r, true)
	problem := problemWithTests(1)
	id := "d1"
	problem.DatasetID = &id
	ds := &model.Dataset{ID: "d1", Type: model.DatasetPandas}
	h := newHarness(t, pendingSubmission(model.LanguagePandas), problem, registry, map[string]*model.Dataset{"d1": ds})

	if err := h.svc.Handle(context.Background(), job()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if r.lastRequest.Dataset != ds {
		t.Fatalf("dataset not forwarded to the runner")
	}
}

func TestHandle_InfrastructureFaultIsRetryable(t *testing.T) {
	t.Parallel()
	r := &scriptedRunner{err: appErr.New(appErr.RunnerUnavailable)}
	registry := runner.NewRegistry()
	registry.Register(model.LanguageJava, r, false)
	h := newHarness(t, pendingSubmission(model.LanguageJava), problemWithTests(2), registry, nil)

	err := h.svc.Handle(context.Background(), job())
	if !appErr.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	sub := h.submissions.get("s1")
	if sub.Status != model.StatusFailed || *sub.Verdict != model.VerdictInternalError {
		t.Fatalf("unexpected state %+v", sub)
	}
	if len(h.publisher.events) != 0 {
		t.Fatalf("a retry is pending, nothing final should be published")
	}

	// The retried attempt starts over from FAILED.
	r.err = nil
	r.results = []model.ExecutionResult{
		{TestcaseID: "t1", Status: model.ResultPassed},
		{TestcaseID: "t2", Status: model.ResultRE, Stderr: "boom"},
	}
	retry := job()
	retry.Attempts = 1
	if err := h.svc.Handle(context.Background(), retry); err != nil {
		t.Fatalf("retry Handle: %v", err)
	}
	sub = h.submissions.get("s1")
	if sub.Status != model.StatusCompleted || *sub.Verdict != model.VerdictRuntimeError {
		t.Fatalf("unexpected state after retry %+v", sub)
	}
}

func TestHandle_RunnerFaultsAreRetried(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		runner   runner.Runner
		wantCode appErr.ErrorCode
	}{
		{name: "panic", runner: panickingRunner{}, wantCode: appErr.JudgeSystemError},
		{name: "uncoded error", runner: &scriptedRunner{err: errors.New("unexpected EOF from backend")}, wantCode: appErr.RunnerUnavailable},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			registry := runner.NewRegistry()
			registry.Register(model.LanguageJava, tc.runner, false)
			h := newHarness(t, pendingSubmission(model.LanguageJava), problemWithTests(2), registry, nil)

			err := h.svc.Handle(context.Background(), job())
			if !appErr.IsRetryable(err) || appErr.GetCode(err) != tc.wantCode {
				t.Fatalf("expected retryable %d, got %v", tc.wantCode, err)
			}
			sub := h.submissions.get("s1")
			if sub.Status != model.StatusFailed || sub.Verdict == nil || *sub.Verdict != model.VerdictInternalError {
				t.Fatalf("unexpected state %+v", sub)
			}
			last := h.broadcaster.events[len(h.broadcaster.events)-1]
			if last.Status != model.StatusFailed || last.Verdict == nil || *last.Verdict != model.VerdictInternalError {
				t.Fatalf("expected terminal FAILED broadcast, got %+v", last)
			}
			if len(h.publisher.events) != 0 {
				t.Fatalf("a retry is pending, nothing final should be published")
			}

			exhausted := job()
			exhausted.Attempts = exhausted.MaxAttempts - 1
			if err := h.svc.Handle(context.Background(), exhausted); err == nil {
				t.Fatalf("expected error on last attempt")
			}
			if len(h.publisher.events) != 1 || h.publisher.events[0].Status != model.StatusFailed {
				t.Fatalf("expected published failure, got %+v", h.publisher.events)
			}
		})
	}
}

func TestHandle_LastAttemptPublishesFailure(t *testing.T) {
	t.Parallel()
	r := &scriptedRunner{err: appErr.New(appErr.RunnerProtocol)}
	registry := runner.NewRegistry()
	registry.Register(model.LanguageJava, r, false)
	h := newHarness(t, pendingSubmission(model.LanguageJava), problemWithTests(1), registry, nil)

	last := job()
	last.Attempts = 2
	if err := h.svc.Handle(context.Background(), last); err == nil {
		t.Fatalf("expected error")
	}
	if len(h.publisher.events) != 1 || h.publisher.events[0].Status != model.StatusFailed {
		t.Fatalf("expected published failure, got %+v", h.publisher.events)
	}
}

func TestHandle_UnsupportedLanguage(t *testing.T) {
	t.Parallel()
	registry := runner.NewRegistry()
	h := newHarness(t, pendingSubmission(model.LanguageJavaScript), problemWithTests(1), registry, nil)

	err := h.svc.Handle(context.Background(), job())
	if !appErr.Is(err, appErr.LanguageNotSupported) || appErr.IsRetryable(err) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
	if sub := h.submissions.get("s1"); sub.Status != model.StatusFailed {
		t.Fatalf("unexpected state %+v", sub)
	}
}

func TestHandle_SkipsJudgedAndReclaimsInterrupted(t *testing.T) {
	t.Parallel()
	r := &scriptedRunner{results: []model.ExecutionResult{{TestcaseID: "t1", Status: model.ResultFailed}}}
	registry := runner.NewRegistry()
	registry.Register(model.LanguagePython, r, false)

	done := pendingSubmission(model.LanguagePython)
	done.Status = model.StatusCompleted
	h := newHarness(t, done, problemWithTests(1), registry, nil)
	if err := h.svc.Handle(context.Background(), job()); err != nil || r.calls != 0 {
		t.Fatalf("judged submission must be skipped: err=%v calls=%d", err, r.calls)
	}

	stuck := pendingSubmission(model.LanguagePython)
	stuck.Status = model.StatusRunning
	h = newHarness(t, stuck, problemWithTests(1), registry, nil)
	if err := h.svc.Handle(context.Background(), job()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := []model.SubmissionStatus{model.StatusFailed, model.StatusCompiling, model.StatusRunning, model.StatusCompleted}
	if fmt.Sprint(h.submissions.statuses) != fmt.Sprint(want) {
		t.Fatalf("status path %v, want %v", h.submissions.statuses, want)
	}
	if sub := h.submissions.get("s1"); *sub.Verdict != model.VerdictWrongAnswer {
		t.Fatalf("unexpected verdict %v", *sub.Verdict)
	}
}

func TestSubmitForEvaluation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingSubmission(model.LanguagePython), problemWithTests(1), runner.NewRegistry(), nil)

	if err := h.svc.SubmitForEvaluation(context.Background(), "s1", "u1", "p1"); err != nil {
		t.Fatalf("SubmitForEvaluation: %v", err)
	}
	if len(h.queue.submitted) != 1 || h.queue.submitted[0] != "s1/u1/p1" {
		t.Fatalf("unexpected queue calls %v", h.queue.submitted)
	}
	if len(h.broadcaster.events) != 1 || h.broadcaster.events[0].Status != model.StatusPending {
		t.Fatalf("expected a pending event, got %+v", h.broadcaster.events)
	}

	h.queue.err = appErr.New(appErr.DuplicateJob)
	if err := h.svc.SubmitForEvaluation(context.Background(), "s1", "u1", "p1"); !appErr.Is(err, appErr.DuplicateJob) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if len(h.broadcaster.events) != 1 {
		t.Fatalf("rejected intake must not broadcast")
	}
}

func TestCanView(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pendingSubmission(model.LanguagePython), problemWithTests(1), runner.NewRegistry(), nil)
	ctx := context.Background()

	cases := []struct {
		user, submission string
		want             bool
	}{
		{"u1", "s1", true},
		{"u2", "s1", false},
		{"u1", "missing", false},
	}
	for _, tc := range cases {
		got, err := h.svc.CanView(ctx, tc.user, tc.submission)
		if err != nil || got != tc.want {
			t.Fatalf("CanView(%s, %s) = %v, %v; want %v", tc.user, tc.submission, got, err, tc.want)
		}
	}
}
