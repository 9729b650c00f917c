package queue

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"codejudge/internal/common/cache"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// priorityScale separates priority bands in the waiting set score. Enqueue
// times in milliseconds stay below it for the foreseeable future.
const priorityScale = 1e13

const promoteBatch = 100

// Config holds queue settings.
type Config struct {
	KeyPrefix    string        `yaml:"keyPrefix"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	BackoffBase  time.Duration `yaml:"backoffBase"`
	BackoffMax   time.Duration `yaml:"backoffMax"`
	KeepComplete int64         `yaml:"keepCompleted"`
	CompleteAge  time.Duration `yaml:"completedMaxAge"`
	KeepFailed   int64         `yaml:"keepFailed"`
	FailedAge    time.Duration `yaml:"failedMaxAge"`
	// VisibilityTimeout is how long a dequeued job may stay active before it
	// is considered stalled. It must exceed the pool's job timeout.
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
	// LockTTL bounds how long a dedup marker outlives a lost job.
	LockTTL time.Duration `yaml:"lockTTL"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "judge:queue",
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		KeepComplete:      100,
		CompleteAge:       24 * time.Hour,
		KeepFailed:        500,
		FailedAge:         7 * 24 * time.Hour,
		VisibilityTimeout: 5 * time.Minute,
		LockTTL:           time.Hour,
	}
}

// ApplyDefaults fills zero values from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.KeepComplete <= 0 {
		c.KeepComplete = d.KeepComplete
	}
	if c.CompleteAge <= 0 {
		c.CompleteAge = d.CompleteAge
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = d.KeepFailed
	}
	if c.FailedAge <= 0 {
		c.FailedAge = d.FailedAge
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
}

// RedisQueue stores jobs in redis:
//
//	<prefix>:jobs             hash of job JSON by submission id
//	<prefix>:waiting          zset scored by priority band and enqueue time
//	<prefix>:delayed          zset scored by ready time (ms)
//	<prefix>:active           zset scored by lease deadline (ms)
//	<prefix>:completed|failed lists of Record JSON, newest first
//	<prefix>:lock:<id>        dedup marker held until the job finishes
type RedisQueue struct {
	cache cache.Cache
	cfg   Config
	now   func() time.Time
}

func NewRedisQueue(c cache.Cache, cfg Config) *RedisQueue {
	cfg.ApplyDefaults()
	return &RedisQueue{cache: c, cfg: cfg, now: time.Now}
}

func (q *RedisQueue) key(parts ...string) string {
	return q.cfg.KeyPrefix + ":" + strings.Join(parts, ":")
}

func (q *RedisQueue) lockKey(submissionID string) string {
	return q.key("lock", submissionID)
}

// Enqueue admits a job. It fails with DuplicateJob while a job for the same
// submission is waiting, delayed or active.
func (q *RedisQueue) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	switch {
	case strings.TrimSpace(req.SubmissionID) == "":
		return Job{}, appErr.ValidationError("submissionId", "required")
	case strings.TrimSpace(req.OwnerID) == "":
		return Job{}, appErr.ValidationError("ownerId", "required")
	case strings.TrimSpace(req.ProblemID) == "":
		return Job{}, appErr.ValidationError("problemId", "required")
	}

	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	job := Job{
		SubmissionID: req.SubmissionID,
		OwnerID:      req.OwnerID,
		ProblemID:    req.ProblemID,
		Priority:     priority,
		MaxAttempts:  q.cfg.MaxAttempts,
		EnqueuedAt:   q.now(),
	}

	ok, err := q.cache.SetNX(ctx, q.lockKey(job.SubmissionID), "1", q.markerTTL())
	if err != nil {
		return Job{}, appErr.Wrapf(err, appErr.CacheError, "acquire job marker")
	}
	if !ok {
		return Job{}, appErr.Newf(appErr.DuplicateJob, "submission %s is already queued", job.SubmissionID)
	}
	// The marker can lapse while the job still lives, so the payload decides.
	existing, err := q.cache.HGet(ctx, q.key("jobs"), job.SubmissionID)
	if err != nil {
		_ = q.cache.Del(ctx, q.lockKey(job.SubmissionID))
		return Job{}, appErr.Wrapf(err, appErr.CacheError, "check job")
	}
	if existing != "" {
		return Job{}, appErr.Newf(appErr.DuplicateJob, "submission %s is already queued", job.SubmissionID)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		_ = q.cache.Del(ctx, q.lockKey(job.SubmissionID))
		return Job{}, appErr.Wrapf(err, appErr.JudgeSystemError, "encode job")
	}
	err = q.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		pipe.HSet(q.key("jobs"), job.SubmissionID, string(payload))
		pipe.ZAdd(q.key("waiting"), cache.ZMember{Score: waitingScore(job), Member: job.SubmissionID})
		return nil
	})
	if err != nil {
		_ = q.cache.Del(ctx, q.lockKey(job.SubmissionID))
		return Job{}, appErr.Wrapf(err, appErr.CacheError, "store job")
	}

	logger.Info(ctx, "job enqueued",
		zap.String("submission_id", job.SubmissionID),
		zap.String("owner_id", job.OwnerID),
		zap.Int("priority", job.Priority),
	)
	return job, nil
}

// Submit enqueues with the default priority.
func (q *RedisQueue) Submit(ctx context.Context, submissionID, ownerID, problemID string) error {
	_, err := q.Enqueue(ctx, EnqueueRequest{SubmissionID: submissionID, OwnerID: ownerID, ProblemID: problemID})
	return err
}

// Dequeue promotes due delayed jobs, then claims the best waiting job. It
// returns nil when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	if _, err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	for {
		popped, err := q.cache.ZPopMin(ctx, q.key("waiting"), 1)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "pop waiting job")
		}
		if len(popped) == 0 {
			return nil, nil
		}
		id := popped[0].Member

		job, err := q.load(ctx, id)
		if err != nil {
			if appErr.Is(err, appErr.QueueCorrupted) {
				logger.Warn(ctx, "dropping corrupted job", zap.String("submission_id", id), zap.Error(err))
				q.drop(ctx, id)
				continue
			}
			return nil, err
		}

		deadline := q.now().Add(q.cfg.VisibilityTimeout)
		err = q.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
			pipe.ZAdd(q.key("active"), cache.ZMember{Score: msScore(deadline), Member: id})
			pipe.Set(q.lockKey(id), "1", q.markerTTL())
			return nil
		})
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "mark job active")
		}
		return &job, nil
	}
}

// Complete records a finished job and releases its marker.
func (q *RedisQueue) Complete(ctx context.Context, job Job) error {
	return q.finish(ctx, job, HistoryCompleted, "")
}

// Fail moves a job to the failed history without further retries.
func (q *RedisQueue) Fail(ctx context.Context, job Job, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.finish(ctx, job, HistoryFailed, msg)
}

// Retry counts a failed attempt and schedules the job again with backoff.
// When the attempt budget is spent the job is failed instead and retried is
// false.
func (q *RedisQueue) Retry(ctx context.Context, job Job, cause error) (retried bool, delay time.Duration, err error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.Attempts >= job.MaxAttempts {
		return false, 0, q.Fail(ctx, job, cause)
	}
	delay = Backoff(job.Attempts, q.cfg.BackoffBase, q.cfg.BackoffMax)
	if err := q.reschedule(ctx, job, delay); err != nil {
		return false, 0, err
	}
	logger.Info(ctx, "job scheduled for retry",
		zap.String("submission_id", job.SubmissionID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("delay", delay),
	)
	return true, delay, nil
}

// Defer puts an active job back after delay without counting an attempt.
// With a positive delay the job also moves to the back of its priority band,
// so an owner held at the cap cannot keep the head of the queue.
func (q *RedisQueue) Defer(ctx context.Context, job Job, delay time.Duration) error {
	if delay > 0 {
		job.EnqueuedAt = q.now().Add(delay)
	}
	return q.reschedule(ctx, job, delay)
}

func (q *RedisQueue) reschedule(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "encode job")
	}
	readyAt := q.now().Add(delay)
	err = q.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		pipe.ZRem(q.key("active"), job.SubmissionID)
		pipe.HSet(q.key("jobs"), job.SubmissionID, string(payload))
		pipe.ZAdd(q.key("delayed"), cache.ZMember{Score: msScore(readyAt), Member: job.SubmissionID})
		pipe.Set(q.lockKey(job.SubmissionID), "1", q.markerTTL())
		return nil
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "reschedule job")
	}
	return nil
}

func (q *RedisQueue) finish(ctx context.Context, job Job, history History, cause string) error {
	keep, maxAge := q.cfg.KeepComplete, q.cfg.CompleteAge
	if history == HistoryFailed {
		keep, maxAge = q.cfg.KeepFailed, q.cfg.FailedAge
	}
	record := Record{
		SubmissionID: job.SubmissionID,
		OwnerID:      job.OwnerID,
		ProblemID:    job.ProblemID,
		Attempts:     job.Attempts,
		Error:        cause,
		FinishedAt:   q.now(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "encode record")
	}

	listKey := q.key(string(history))
	err = q.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		pipe.ZRem(q.key("active"), job.SubmissionID)
		pipe.HDel(q.key("jobs"), job.SubmissionID)
		pipe.Del(q.lockKey(job.SubmissionID))
		pipe.LPush(listKey, string(payload))
		pipe.LTrim(listKey, 0, keep-1)
		return nil
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "finish job")
	}
	if err := q.prune(ctx, listKey, maxAge); err != nil {
		logger.Warn(ctx, "prune job history failed", zap.String("list", listKey), zap.Error(err))
	}
	return nil
}

// prune drops history entries older than maxAge. Entries are newest first, so
// everything from the first expired entry on is removed.
func (q *RedisQueue) prune(ctx context.Context, listKey string, maxAge time.Duration) error {
	entries, err := q.cache.LRange(ctx, listKey, 0, -1)
	if err != nil {
		return err
	}
	cutoff := q.now().Add(-maxAge)
	for i, raw := range entries {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.FinishedAt.Before(cutoff) {
			if i == 0 {
				return q.cache.Del(ctx, listKey)
			}
			return q.cache.LTrim(ctx, listKey, 0, int64(i-1))
		}
	}
	return nil
}

// promoteDue moves delayed jobs whose ready time has passed into the waiting
// set. Concurrent callers race on ZRem; only the winner re-adds the job.
func (q *RedisQueue) promoteDue(ctx context.Context) (int, error) {
	due, err := q.cache.ZRangeByScore(ctx, q.key("delayed"), math.Inf(-1), msScore(q.now()), promoteBatch)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "scan delayed jobs")
	}
	promoted := 0
	for _, m := range due {
		ok, err := q.moveToWaiting(ctx, q.key("delayed"), m.Member)
		if err != nil {
			return promoted, err
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}

// RecoverStalled returns jobs whose lease expired to the waiting set. Only
// one caller sweeps at a time.
func (q *RedisQueue) RecoverStalled(ctx context.Context) (int, error) {
	locked, err := q.cache.TryLock(ctx, q.key("sweeper"), q.cfg.VisibilityTimeout)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "acquire sweeper lock")
	}
	if !locked {
		return 0, nil
	}
	defer func() { _ = q.cache.Unlock(ctx, q.key("sweeper")) }()

	stalled, err := q.cache.ZRangeByScore(ctx, q.key("active"), math.Inf(-1), msScore(q.now()), promoteBatch)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "scan active jobs")
	}
	recovered := 0
	for _, m := range stalled {
		ok, err := q.moveToWaiting(ctx, q.key("active"), m.Member)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
			logger.Warn(ctx, "recovered stalled job", zap.String("submission_id", m.Member))
		}
	}
	return recovered, nil
}

func (q *RedisQueue) moveToWaiting(ctx context.Context, from, id string) (bool, error) {
	removed, err := q.cache.ZRem(ctx, from, id)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "claim job")
	}
	if removed == 0 {
		return false, nil
	}
	job, err := q.load(ctx, id)
	if err != nil {
		if appErr.Is(err, appErr.QueueCorrupted) {
			q.drop(ctx, id)
			return false, nil
		}
		return false, err
	}
	err = q.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		pipe.ZAdd(q.key("waiting"), cache.ZMember{Score: waitingScore(job), Member: id})
		pipe.Set(q.lockKey(id), "1", q.markerTTL())
		return nil
	})
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "requeue job")
	}
	return true, nil
}

// markerTTL outlives a full lease so the marker cannot lapse mid-attempt.
func (q *RedisQueue) markerTTL() time.Duration {
	if ttl := 2 * q.cfg.VisibilityTimeout; ttl > q.cfg.LockTTL {
		return ttl
	}
	return q.cfg.LockTTL
}

func (q *RedisQueue) load(ctx context.Context, id string) (Job, error) {
	raw, err := q.cache.HGet(ctx, q.key("jobs"), id)
	if err != nil {
		return Job{}, appErr.Wrapf(err, appErr.CacheError, "load job")
	}
	if raw == "" {
		return Job{}, appErr.Newf(appErr.QueueCorrupted, "job %s has no payload", id)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, appErr.Wrapf(err, appErr.QueueCorrupted, "decode job %s", id)
	}
	return job, nil
}

func (q *RedisQueue) drop(ctx context.Context, id string) {
	_ = q.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		pipe.HDel(q.key("jobs"), id)
		pipe.ZRem(q.key("active"), id)
		pipe.Del(q.lockKey(id))
		return nil
	})
}

// History returns up to limit retained records, newest first.
func (q *RedisQueue) History(ctx context.Context, which History, limit int64) ([]Record, error) {
	if which != HistoryCompleted && which != HistoryFailed {
		return nil, appErr.ValidationError("history", "must be completed or failed")
	}
	if limit <= 0 {
		limit = 50
	}
	entries, err := q.cache.LRange(ctx, q.key(string(which)), 0, limit-1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "read job history")
	}
	records := make([]Record, 0, len(entries))
	for _, raw := range entries {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Counts reports the size of each state.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Waiting, err = q.cache.ZCard(ctx, q.key("waiting")); err != nil {
		return Counts{}, appErr.Wrapf(err, appErr.CacheError, "count waiting")
	}
	if c.Delayed, err = q.cache.ZCard(ctx, q.key("delayed")); err != nil {
		return Counts{}, appErr.Wrapf(err, appErr.CacheError, "count delayed")
	}
	if c.Active, err = q.cache.ZCard(ctx, q.key("active")); err != nil {
		return Counts{}, appErr.Wrapf(err, appErr.CacheError, "count active")
	}
	if c.Completed, err = q.cache.LLen(ctx, q.key(string(HistoryCompleted))); err != nil {
		return Counts{}, appErr.Wrapf(err, appErr.CacheError, "count completed")
	}
	if c.Failed, err = q.cache.LLen(ctx, q.key(string(HistoryFailed))); err != nil {
		return Counts{}, appErr.Wrapf(err, appErr.CacheError, "count failed")
	}
	return c, nil
}

func waitingScore(job Job) float64 {
	return float64(job.Priority)*priorityScale + msScore(job.EnqueuedAt)
}

func msScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}
