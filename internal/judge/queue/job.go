// Package queue is the redis-backed admission queue feeding the worker pool.
package queue

import (
	"time"
)

// DefaultPriority is used when the caller does not pick one.
const DefaultPriority = 10

// Job is one queued evaluation. The submission id doubles as the job id.
type Job struct {
	SubmissionID string    `json:"submissionId"`
	OwnerID      string    `json:"ownerId"`
	ProblemID    string    `json:"problemId"`
	Priority     int       `json:"priority"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"maxAttempts"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	LastError    string    `json:"lastError,omitempty"`
}

// EnqueueRequest describes a new job.
type EnqueueRequest struct {
	SubmissionID string
	OwnerID      string
	ProblemID    string
	// Priority is optional; lower values are served first.
	Priority *int
}

// Record is a retained entry of the completed or failed history.
type Record struct {
	SubmissionID string    `json:"submissionId"`
	OwnerID      string    `json:"ownerId"`
	ProblemID    string    `json:"problemId"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// History selects a retained job list.
type History string

const (
	HistoryCompleted History = "completed"
	HistoryFailed    History = "failed"
)

// Counts reports the size of every queue state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Backoff returns the delay before retry number attempt (1-based): base,
// 2*base, 4*base and so on, capped at max when max is positive.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
