package service

import (
	"context"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/queue"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// fail records an evaluation error as FAILED/INTERNAL_ERROR and hands the
// cause back to the pool.
func (s *Service) fail(ctx context.Context, sub *model.Submission, job queue.Job, cause error) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	logger.Error(ctx, "evaluation failed",
		zap.Int("code", int(appErr.GetCode(cause))),
		zap.Error(cause),
	)
	if err := s.submissions.SaveOutcome(storeCtx, sub.ID, s.internalError()); err != nil {
		logger.Warn(ctx, "update failure status failed", zap.Error(err))
	}

	// A retryable fault with attempts left is not the submission's last word.
	final := !appErr.IsRetryable(cause) || job.MaxAttempts <= 0 || job.Attempts+1 >= job.MaxAttempts
	v := model.VerdictInternalError
	s.finalize(storeCtx, model.ProgressEvent{
		SubmissionID: sub.ID,
		Status:       model.StatusFailed,
		Message:      "An error occurred during evaluation",
		Verdict:      &v,
	}, final)
	return cause
}

func (s *Service) internalError() model.Outcome {
	return model.Outcome{
		Status:      model.StatusFailed,
		Verdict:     model.VerdictInternalError,
		Results:     []model.ExecutionResult{},
		CompletedAt: s.now(),
	}
}

// finalize broadcasts a terminal event and, when publish is set, emits it as
// the submission's final status.
func (s *Service) finalize(ctx context.Context, event model.ProgressEvent, publish bool) {
	s.emit(ctx, event)
	if !publish || s.publisher == nil {
		return
	}
	if err := s.publisher.PublishFinalStatus(ctx, event); err != nil {
		logger.Warn(ctx, "publish final status failed", zap.Error(err))
	}
}

func (s *Service) emit(ctx context.Context, event model.ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if err := s.broadcaster.Broadcast(ctx, event); err != nil {
		logger.Warn(ctx, "broadcast progress failed",
			zap.String("status", string(event.Status)),
			zap.Error(err),
		)
	}
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
}

func intPtr(v int) *int { return &v }
