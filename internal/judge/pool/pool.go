// Package pool runs queued evaluations under global and per-user limits.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/progress"
	"codejudge/internal/judge/queue"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/contextkey"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Queue is the subset of the admission queue the pool drives.
type Queue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, job queue.Job) error
	Fail(ctx context.Context, job queue.Job, cause error) error
	Retry(ctx context.Context, job queue.Job, cause error) (bool, time.Duration, error)
	Defer(ctx context.Context, job queue.Job, delay time.Duration) error
	RecoverStalled(ctx context.Context) (int, error)
}

// Handler evaluates one job.
type Handler interface {
	Handle(ctx context.Context, job queue.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job queue.Job) error {
	return f(ctx, job)
}

// Config holds pool limits.
type Config struct {
	Concurrency   int           `yaml:"concurrency"`
	RateLimit     int           `yaml:"rateLimit"`
	RateInterval  time.Duration `yaml:"rateInterval"`
	PerUserLimit  int           `yaml:"perUserLimit"`
	DeferDelay    time.Duration `yaml:"deferDelay"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	JobTimeout    time.Duration `yaml:"jobTimeout"`
	StallInterval time.Duration `yaml:"stallInterval"`
	// SettleTimeout bounds queue bookkeeping after a job returns.
	SettleTimeout time.Duration `yaml:"settleTimeout"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateInterval <= 0 {
		c.RateInterval = time.Second
	}
	if c.PerUserLimit <= 0 {
		c.PerUserLimit = 3
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.StallInterval <= 0 {
		c.StallInterval = 30 * time.Second
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 5 * time.Second
	}
}

// Pool pulls jobs from the queue and runs them on a bounded set of workers.
type Pool struct {
	cfg         Config
	queue       Queue
	handler     Handler
	broadcaster progress.Broadcaster
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	users       *userSlots
	wg          sync.WaitGroup
}

func New(cfg Config, q Queue, h Handler, b progress.Broadcaster) (*Pool, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}
	if b == nil {
		return nil, errors.New("broadcaster is required")
	}
	cfg.ApplyDefaults()
	every := rate.Every(cfg.RateInterval / time.Duration(cfg.RateLimit))
	return &Pool{
		cfg:         cfg,
		queue:       q,
		handler:     h,
		broadcaster: b,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter:     rate.NewLimiter(every, cfg.RateLimit),
		users:       newUserSlots(cfg.PerUserLimit),
	}, nil
}

// Run dispatches jobs until ctx is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) error {
	logger.Info(ctx, "worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("per_user_limit", p.cfg.PerUserLimit),
	)
	defer p.wg.Wait()

	stallTicker := time.NewTicker(p.cfg.StallInterval)
	defer stallTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "worker pool stopping")
			return nil
		case <-stallTicker.C:
			if n, err := p.queue.RecoverStalled(ctx); err != nil {
				logger.Warn(ctx, "stalled job recovery failed", zap.Error(err))
			} else if n > 0 {
				logger.Info(ctx, "stalled jobs recovered", zap.Int("count", n))
			}
		default:
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		result, err := p.dispatchOne(ctx)
		if err != nil {
			logger.Error(ctx, "dispatch failed", zap.Error(err))
		}
		if result == started {
			continue
		}
		p.sem.Release(1)
		if result == idle && !sleep(ctx, p.cfg.PollInterval) {
			return nil
		}
	}
}

type dispatchResult int

const (
	idle dispatchResult = iota
	deferred
	started
)

// dispatchOne claims one job and starts it. The caller holds a global slot,
// which belongs to the running job only when the result is started.
func (p *Pool) dispatchOne(ctx context.Context) (dispatchResult, error) {
	job, err := p.queue.Dequeue(ctx)
	if err != nil || job == nil {
		return idle, err
	}

	if !p.users.tryAcquire(job.OwnerID) {
		logger.Debug(ctx, "owner at concurrency cap, deferring job",
			zap.String("submission_id", job.SubmissionID),
			zap.String("owner_id", job.OwnerID),
		)
		if err := p.queue.Defer(ctx, *job, p.cfg.DeferDelay); err != nil {
			return idle, fmt.Errorf("defer job %s: %w", job.SubmissionID, err)
		}
		return deferred, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		p.users.release(job.OwnerID)
		settleCtx, cancel := p.settleContext(ctx)
		defer cancel()
		if derr := p.queue.Defer(settleCtx, *job, 0); derr != nil {
			logger.Warn(ctx, "return job on shutdown failed", zap.String("submission_id", job.SubmissionID), zap.Error(derr))
		}
		return idle, nil
	}

	p.wg.Add(1)
	go p.process(ctx, *job)
	return started, nil
}

func (p *Pool) process(parent context.Context, job queue.Job) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer p.users.release(job.OwnerID)

	ctx := context.WithoutCancel(parent)
	ctx = logger.WithSubmission(ctx, job.SubmissionID)
	ctx = context.WithValue(ctx, contextkey.UserID, job.OwnerID)
	ctx = context.WithValue(ctx, contextkey.JobAttempt, job.Attempts+1)

	err := p.runHandler(ctx, job)
	p.settle(ctx, job, err)
}

// runHandler invokes the handler under the job timeout and turns a panic into
// a non-retryable error.
func (p *Pool) runHandler(ctx context.Context, job queue.Job) (err error) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "job handler panicked", zap.Any("panic", r))
			err = appErr.Newf(appErr.InternalServerError, "evaluation panicked: %v", r)
		}
	}()
	return p.handler.Handle(jobCtx, job)
}

// settle classifies the handler result and updates the queue.
func (p *Pool) settle(ctx context.Context, job queue.Job, err error) {
	settleCtx, cancel := p.settleContext(ctx)
	defer cancel()

	if err == nil {
		if cerr := p.queue.Complete(settleCtx, job); cerr != nil {
			logger.Error(ctx, "mark job completed failed", zap.Error(cerr))
		}
		return
	}

	if appErr.IsRetryable(err) {
		retried, delay, rerr := p.queue.Retry(settleCtx, job, err)
		if rerr != nil {
			logger.Error(ctx, "schedule retry failed", zap.Error(rerr))
			return
		}
		if retried {
			logger.Warn(ctx, "evaluation failed, retrying", zap.Duration("delay", delay), zap.Error(err))
			p.announce(settleCtx, job, fmt.Sprintf("Evaluation failed, retrying in %s (attempt %d of %d)", delay, job.Attempts+2, job.MaxAttempts))
			return
		}
		logger.Error(ctx, "evaluation failed, attempts exhausted", zap.Int("attempts", job.Attempts+1), zap.Error(err))
		p.announce(settleCtx, job, fmt.Sprintf("Evaluation failed after %d attempts", job.Attempts+1))
		return
	}

	logger.Error(ctx, "evaluation failed permanently", zap.Error(err))
	if ferr := p.queue.Fail(settleCtx, job, err); ferr != nil {
		logger.Error(ctx, "mark job failed failed", zap.Error(ferr))
	}
}

func (p *Pool) announce(ctx context.Context, job queue.Job, message string) {
	verdict := model.VerdictInternalError
	event := model.ProgressEvent{
		SubmissionID: job.SubmissionID,
		Status:       model.StatusFailed,
		Message:      message,
		Verdict:      &verdict,
		Timestamp:    time.Now(),
	}
	if err := p.broadcaster.Broadcast(ctx, event); err != nil {
		logger.Warn(ctx, "broadcast retry notice failed", zap.Error(err))
	}
}

func (p *Pool) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SettleTimeout)
}

// ActiveFor reports how many jobs owner currently runs.
func (p *Pool) ActiveFor(owner string) int {
	return p.users.active(owner)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
