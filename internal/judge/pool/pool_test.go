package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"codejudge/internal/common/cache/cachetest"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/progress"
	"codejudge/internal/judge/queue"
	appErr "codejudge/pkg/errors"
)

type fakeQueue struct {
	mu        sync.Mutex
	pending   []queue.Job
	completed []string
	failed    []string
	retried   []string
	deferred  int
	exhaust   bool
}

func (q *fakeQueue) push(jobs ...queue.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, jobs...)
}

func (q *fakeQueue) Dequeue(context.Context) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return &job, nil
}

func (q *fakeQueue) Complete(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, job.SubmissionID)
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, job queue.Job, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, job.SubmissionID)
	return nil
}

func (q *fakeQueue) Retry(_ context.Context, job queue.Job, _ error) (bool, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.exhaust {
		q.failed = append(q.failed, job.SubmissionID)
		return false, 0, nil
	}
	q.retried = append(q.retried, job.SubmissionID)
	return true, 2 * time.Second, nil
}

func (q *fakeQueue) Defer(_ context.Context, job queue.Job, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deferred++
	q.pending = append(q.pending, job)
	return nil
}

func (q *fakeQueue) RecoverStalled(context.Context) (int, error) { return 0, nil }

func (q *fakeQueue) snapshot() (completed, failed, retried []string, deferred int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.completed...), append([]string(nil), q.failed...),
		append([]string(nil), q.retried...), q.deferred
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, event model.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingBroadcaster) all() []model.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ProgressEvent(nil), r.events...)
}

func testConfig() Config {
	return Config{
		Concurrency:  10,
		RateLimit:    1000,
		PerUserLimit: 3,
		DeferDelay:   time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		JobTimeout:   time.Second,
	}
}

func startPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("pool did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	h := HandlerFunc(func(context.Context, queue.Job) error { return nil })
	b := &recordingBroadcaster{}

	cases := []struct {
		name string
		q    Queue
		h    Handler
		b    progress.Broadcaster
	}{
		{name: "queue", h: h, b: b},
		{name: "handler", q: q, b: b},
		{name: "broadcaster", q: q, h: h},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(Config{}, tc.q, tc.h, tc.b); err == nil {
				t.Fatalf("expected error when %s is missing", tc.name)
			}
		})
	}
}

func TestPool_PerUserCapDefersExtraJobs(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	q.push(
		queue.Job{SubmissionID: "a1", OwnerID: "alice", MaxAttempts: 3},
		queue.Job{SubmissionID: "a2", OwnerID: "alice", MaxAttempts: 3},
		queue.Job{SubmissionID: "a3", OwnerID: "alice", MaxAttempts: 3},
		queue.Job{SubmissionID: "a4", OwnerID: "alice", MaxAttempts: 3},
		queue.Job{SubmissionID: "b1", OwnerID: "bob", MaxAttempts: 3},
	)

	release := make(chan struct{})
	var mu sync.Mutex
	running := map[string]bool{}
	h := HandlerFunc(func(ctx context.Context, job queue.Job) error {
		mu.Lock()
		running[job.SubmissionID] = true
		mu.Unlock()
		<-release
		return nil
	})

	p, err := New(testConfig(), q, h, &recordingBroadcaster{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startPool(t, p)
	defer stop()

	waitFor(t, "capped owner and other owner to run", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(running) == 4 && running["b1"]
	})
	waitFor(t, "extra job to be deferred", func() bool {
		_, _, _, deferred := q.snapshot()
		return deferred > 0
	})
	if got := p.ActiveFor("alice"); got != 3 {
		t.Fatalf("expected alice to hold 3 slots, got %d", got)
	}
	mu.Lock()
	fourth := running["a4"]
	mu.Unlock()
	if fourth {
		t.Fatalf("fourth job of a capped owner must not run concurrently")
	}

	close(release)
	waitFor(t, "all jobs to complete", func() bool {
		completed, _, _, _ := q.snapshot()
		return len(completed) == 5
	})
	if got := p.ActiveFor("alice"); got != 0 {
		t.Fatalf("expected slots released, got %d", got)
	}
}

func TestPool_CappedBacklogDoesNotStarveOthers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rc, _ := cachetest.New(t)
	q := queue.NewRedisQueue(rc, queue.Config{KeyPrefix: "test:queue"})
	for i := 0; i < 300; i++ {
		if err := q.Submit(ctx, fmt.Sprintf("a%03d", i), "alice", "p1"); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	time.Sleep(2 * time.Millisecond)
	if err := q.Submit(ctx, "b1", "bob", "p1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	release := make(chan struct{})
	bobStarted := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, job queue.Job) error {
		if job.OwnerID == "bob" {
			close(bobStarted)
			return nil
		}
		<-release
		return nil
	})

	cfg := testConfig()
	cfg.Concurrency = 5
	cfg.DeferDelay = 50 * time.Millisecond
	p, err := New(cfg, q, h, &recordingBroadcaster{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startPool(t, p)
	defer stop()
	defer close(release)

	select {
	case <-bobStarted:
	case <-time.After(3 * time.Second):
		t.Fatalf("job of an uncapped owner never started behind a capped backlog")
	}
	if got := p.ActiveFor("alice"); got > 3 {
		t.Fatalf("alice exceeded the cap: %d", got)
	}
}

func TestPool_SettlesByErrorClass(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name          string
		handlerErr    error
		panics        bool
		exhaust       bool
		wantCompleted int
		wantFailed    int
		wantRetried   int
		wantMessage   string
	}{
		{name: "success", wantCompleted: 1},
		{name: "retryable", handlerErr: appErr.New(appErr.RunnerUnavailable), wantRetried: 1, wantMessage: "Evaluation failed, retrying in 2s (attempt 2 of 3)"},
		{name: "retryable exhausted", handlerErr: appErr.New(appErr.StorageError), exhaust: true, wantFailed: 1, wantMessage: "Evaluation failed after 1 attempts"},
		{name: "permanent", handlerErr: appErr.New(appErr.DatasetMissing), wantFailed: 1},
		{name: "plain error", handlerErr: errors.New("boom"), wantFailed: 1},
		{name: "panic", panics: true, wantFailed: 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := &fakeQueue{exhaust: tc.exhaust}
			q.push(queue.Job{SubmissionID: "s1", OwnerID: "u1", MaxAttempts: 3})
			b := &recordingBroadcaster{}
			h := HandlerFunc(func(ctx context.Context, job queue.Job) error {
				if tc.panics {
					panic("runner exploded")
				}
				return tc.handlerErr
			})
			p, err := New(testConfig(), q, h, b)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			stop := startPool(t, p)
			waitFor(t, "job to settle", func() bool {
				completed, failed, retried, _ := q.snapshot()
				return len(completed)+len(failed)+len(retried) == 1
			})
			stop()

			completed, failed, retried, _ := q.snapshot()
			if len(completed) != tc.wantCompleted || len(failed) != tc.wantFailed || len(retried) != tc.wantRetried {
				t.Fatalf("completed=%v failed=%v retried=%v", completed, failed, retried)
			}
			events := b.all()
			if tc.wantMessage == "" {
				if len(events) != 0 {
					t.Fatalf("unexpected broadcasts %+v", events)
				}
				return
			}
			if len(events) != 1 {
				t.Fatalf("expected one notice, got %+v", events)
			}
			ev := events[0]
			if ev.Message != tc.wantMessage || ev.Status != model.StatusFailed || ev.Verdict == nil || *ev.Verdict != model.VerdictInternalError {
				t.Fatalf("unexpected notice %+v", ev)
			}
		})
	}
}

func TestPool_StopWaitsForInFlightJobs(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	q.push(queue.Job{SubmissionID: "s1", OwnerID: "u1", MaxAttempts: 3})
	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, job queue.Job) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	})
	p, err := New(testConfig(), q, h, &recordingBroadcaster{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startPool(t, p)
	<-started
	stop()

	completed, _, _, _ := q.snapshot()
	if len(completed) != 1 {
		t.Fatalf("in-flight job should finish after stop, completed=%v", completed)
	}
}
