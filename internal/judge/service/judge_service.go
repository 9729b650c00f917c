package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/progress"
	"codejudge/internal/judge/queue"
	"codejudge/internal/judge/repository"
	"codejudge/internal/judge/runner"
	"codejudge/internal/judge/verdict"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Enqueuer admits submissions into the evaluation queue.
type Enqueuer interface {
	Submit(ctx context.Context, submissionID, ownerID, problemID string) error
}

// Service drives one submission from dequeue to its final state.
type Service struct {
	submissions  repository.SubmissionRepository
	problems     repository.ProblemRepository
	datasets     repository.DatasetRepository
	runners      *runner.Registry
	broadcaster  progress.Broadcaster
	publisher    repository.StatusEventPublisher
	queue        Enqueuer
	storeTimeout time.Duration
	now          func() time.Time
}

// Config holds service dependencies and settings.
type Config struct {
	Submissions repository.SubmissionRepository
	Problems    repository.ProblemRepository
	Datasets    repository.DatasetRepository
	Runners     *runner.Registry
	Broadcaster progress.Broadcaster
	// Publisher is optional; final states are not published when nil.
	Publisher repository.StatusEventPublisher
	Queue     Enqueuer
	// StoreTimeout bounds the writes that record a final state.
	StoreTimeout time.Duration
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Problems == nil {
		return nil, fmt.Errorf("problem repository is required")
	}
	if cfg.Datasets == nil {
		return nil, fmt.Errorf("dataset repository is required")
	}
	if cfg.Runners == nil {
		return nil, fmt.Errorf("runner registry is required")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Service{
		submissions:  cfg.Submissions,
		problems:     cfg.Problems,
		datasets:     cfg.Datasets,
		runners:      cfg.Runners,
		broadcaster:  cfg.Broadcaster,
		publisher:    cfg.Publisher,
		queue:        cfg.Queue,
		storeTimeout: cfg.StoreTimeout,
		now:          time.Now,
	}, nil
}

// SubmitForEvaluation is the intake boundary: it queues the submission with
// the default priority and records it as pending.
func (s *Service) SubmitForEvaluation(ctx context.Context, submissionID, ownerID, problemID string) error {
	if err := s.queue.Submit(ctx, submissionID, ownerID, problemID); err != nil {
		return err
	}
	s.emit(ctx, model.ProgressEvent{
		SubmissionID: submissionID,
		Status:       model.StatusPending,
		Progress:     intPtr(0),
		Message:      "Queued for evaluation",
	})
	return nil
}

// CanView reports whether userID owns the submission.
func (s *Service) CanView(ctx context.Context, userID, submissionID string) (bool, error) {
	sub, err := s.submissions.Get(ctx, submissionID)
	if err != nil {
		if appErr.Is(err, appErr.SubmissionNotFound) {
			return false, nil
		}
		return false, err
	}
	return sub.OwnerID == userID, nil
}

// Handle evaluates the job's submission. A returned error fails the job; the
// pool retries it when the error is retryable.
func (s *Service) Handle(ctx context.Context, job queue.Job) error {
	sub, err := s.submissions.Get(ctx, job.SubmissionID)
	if err != nil {
		return err
	}

	switch sub.Status {
	case model.StatusCompleted:
		logger.Info(ctx, "submission already judged, skipping")
		return nil
	case model.StatusCompiling, model.StatusRunning:
		// An earlier attempt died mid-run; close it so the retry path applies.
		logger.Warn(ctx, "reclaiming interrupted evaluation", zap.String("status", string(sub.Status)))
		if err := s.submissions.SaveOutcome(ctx, sub.ID, s.internalError()); err != nil {
			return err
		}
	}

	if err := s.submissions.Transition(ctx, sub.ID, model.StatusCompiling); err != nil {
		return err
	}
	s.emit(ctx, model.ProgressEvent{
		SubmissionID: sub.ID,
		Status:       model.StatusCompiling,
		Progress:     intPtr(0),
		Message:      "Compiling your code...",
	})

	outcome, problem, err := s.evaluate(ctx, sub)
	if err != nil {
		return s.fail(ctx, sub, job, err)
	}
	if outcome.CompileFailed() {
		return s.finishCompileError(ctx, sub, *outcome.CompileOutput)
	}
	return s.finish(ctx, sub, problem, outcome.Results)
}

func (s *Service) evaluate(ctx context.Context, sub *model.Submission) (runner.Outcome, *model.Problem, error) {
	problem, err := s.problems.Get(ctx, sub.ProblemID)
	if err != nil {
		return runner.Outcome{}, nil, err
	}
	if !problem.Allows(sub.Language) {
		return runner.Outcome{}, nil, appErr.Newf(appErr.LanguageNotSupported, "language %q is not allowed for problem %s", sub.Language, problem.ID)
	}
	entry, err := s.runners.Lookup(sub.Language)
	if err != nil {
		return runner.Outcome{}, nil, err
	}

	var dataset *model.Dataset
	if entry.NeedsDataset {
		dataset, err = s.loadDataset(ctx, problem)
		if err != nil {
			return runner.Outcome{}, nil, err
		}
	}

	if err := s.submissions.Transition(ctx, sub.ID, model.StatusRunning); err != nil {
		return runner.Outcome{}, nil, err
	}
	s.emit(ctx, model.ProgressEvent{
		SubmissionID: sub.ID,
		Status:       model.StatusRunning,
		Progress:     intPtr(10),
		Message:      runner.RunningMessage(entry.Runner),
	})

	req := runner.Request{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		Code:         sub.Code,
		Testcases:    problem.Testcases,
		Limits: runner.Limits{
			TimePerTest: time.Duration(problem.TimeLimitPerTestMs) * time.Millisecond,
			MemoryMb:    problem.MemoryLimit(),
		},
		Dataset:  dataset,
		Progress: s.reportTestcase(sub.ID),
	}
	started := s.now()
	outcome, err := runEvaluate(ctx, entry.Runner, req)
	if err != nil {
		return runner.Outcome{}, nil, err
	}
	logger.Debug(ctx, "runner finished",
		zap.String("language", string(sub.Language)),
		zap.Int("results", len(outcome.Results)),
		zap.Duration("elapsed", s.now().Sub(started)),
	)
	return outcome, problem, nil
}

// runEvaluate treats a runner panic or an uncoded runner error as a backend
// fault, so the attempt is closed as FAILED and the job retried.
func runEvaluate(ctx context.Context, r runner.Runner, req runner.Request) (outcome runner.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, "runner panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			outcome = runner.Outcome{}
			err = appErr.Newf(appErr.JudgeSystemError, "runner panicked: %v", rec)
		}
	}()
	outcome, err = r.Evaluate(ctx, req)
	var coded *appErr.Error
	if err != nil && !errors.As(err, &coded) {
		err = appErr.Wrap(err, appErr.RunnerUnavailable)
	}
	return outcome, err
}

func (s *Service) loadDataset(ctx context.Context, problem *model.Problem) (*model.Dataset, error) {
	if problem.DatasetID == nil || strings.TrimSpace(*problem.DatasetID) == "" {
		return nil, appErr.Newf(appErr.DatasetMissing, "problem %s has no dataset", problem.ID)
	}
	dataset, err := s.datasets.Get(ctx, *problem.DatasetID)
	if err != nil {
		if appErr.Is(err, appErr.DatasetNotFound) {
			return nil, appErr.Wrapf(err, appErr.DatasetMissing, "dataset %s of problem %s not found", *problem.DatasetID, problem.ID)
		}
		return nil, err
	}
	return dataset, nil
}

// reportTestcase turns runner callbacks into per-testcase progress events.
func (s *Service) reportTestcase(submissionID string) runner.ProgressFunc {
	return func(ctx context.Context, result model.ExecutionResult, current, total int) {
		pct := 10
		if total > 0 {
			pct = current*90/total + 10
		}
		s.emit(ctx, model.ProgressEvent{
			SubmissionID: submissionID,
			Status:       model.StatusRunning,
			Progress:     &pct,
			Message:      fmt.Sprintf("Running test %d/%d", current, total),
			TestcaseUpdate: &model.TestcaseUpdate{
				TestcaseID: result.TestcaseID,
				Status:     result.Status,
				Current:    current,
				Total:      total,
			},
		})
	}
}

func (s *Service) finishCompileError(ctx context.Context, sub *model.Submission, compileOutput string) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	outcome := model.Outcome{
		Status:        model.StatusCompleted,
		Verdict:       model.VerdictCompilationError,
		Results:       []model.ExecutionResult{},
		CompileOutput: &compileOutput,
		CompletedAt:   s.now(),
	}
	if err := s.submissions.SaveOutcome(storeCtx, sub.ID, outcome); err != nil {
		return err
	}
	v := model.VerdictCompilationError
	s.finalize(storeCtx, model.ProgressEvent{
		SubmissionID:  sub.ID,
		Status:        model.StatusCompleted,
		Progress:      intPtr(100),
		Message:       "Compilation failed",
		Verdict:       &v,
		CompileOutput: &compileOutput,
	}, true)
	logger.Info(ctx, "submission evaluated", zap.String("verdict", string(v)))
	return nil
}

func (s *Service) finish(ctx context.Context, sub *model.Submission, problem *model.Problem, results []model.ExecutionResult) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	if results == nil {
		results = []model.ExecutionResult{}
	}
	summary := verdict.Summarize(results)
	outcome := model.Outcome{
		Status:         model.StatusCompleted,
		Verdict:        summary.Verdict,
		Results:        results,
		TotalRuntimeMs: summary.TotalRuntimeMs,
		TotalPassed:    summary.TotalPassed,
		TotalTests:     summary.TotalTests,
		CompletedAt:    s.now(),
	}
	if err := s.submissions.SaveOutcome(storeCtx, sub.ID, outcome); err != nil {
		return err
	}
	if err := s.problems.RecordResult(storeCtx, problem.ID, summary.Verdict == model.VerdictAccepted); err != nil {
		logger.Error(ctx, "update problem statistics failed", zap.String("problem_id", problem.ID), zap.Error(err))
	}

	v := summary.Verdict
	s.finalize(storeCtx, model.ProgressEvent{
		SubmissionID:   sub.ID,
		Status:         model.StatusCompleted,
		Progress:       intPtr(100),
		Message:        "Evaluation completed: " + string(v),
		Verdict:        &v,
		TotalTests:     &summary.TotalTests,
		TotalPassed:    &summary.TotalPassed,
		TotalRuntimeMs: &summary.TotalRuntimeMs,
		Results:        results,
	}, true)

	fields := []zap.Field{
		zap.String("verdict", string(v)),
		zap.Int("passed", summary.TotalPassed),
		zap.Int("total", summary.TotalTests),
	}
	if failing := verdict.FirstFailing(results); failing != nil {
		fields = append(fields, zap.String("first_failing", failing.TestcaseID))
	}
	logger.Info(ctx, "submission evaluated", fields...)
	return nil
}
