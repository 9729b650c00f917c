package model

import "time"

// SubmissionStatus is the lifecycle state of a submission.
type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "PENDING"
	StatusCompiling SubmissionStatus = "COMPILING"
	StatusRunning   SubmissionStatus = "RUNNING"
	StatusCompleted SubmissionStatus = "COMPLETED"
	StatusFailed    SubmissionStatus = "FAILED"
)

// Final reports whether the status is terminal.
func (s SubmissionStatus) Final() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a submission may move from s to next.
// A FAILED submission may re-enter COMPILING when its job is retried.
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusCompiling || next == StatusFailed
	case StatusCompiling:
		return next == StatusRunning || next == StatusCompleted || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusCompiling
	default:
		return false
	}
}

// Verdict is the aggregate judgment for a submission.
type Verdict string

const (
	VerdictAccepted            Verdict = "ACCEPTED"
	VerdictWrongAnswer         Verdict = "WRONG_ANSWER"
	VerdictTimeLimitExceeded   Verdict = "TIME_LIMIT_EXCEEDED"
	VerdictMemoryLimitExceeded Verdict = "MEMORY_LIMIT_EXCEEDED"
	VerdictRuntimeError        Verdict = "RUNTIME_ERROR"
	VerdictCompilationError    Verdict = "COMPILATION_ERROR"
	VerdictInternalError       Verdict = "INTERNAL_ERROR"
)

// ResultStatus is the outcome of one testcase.
type ResultStatus string

const (
	ResultPassed ResultStatus = "PASSED"
	ResultFailed ResultStatus = "FAILED"
	ResultTLE    ResultStatus = "TLE"
	ResultMLE    ResultStatus = "MLE"
	ResultRE     ResultStatus = "RE"
)

// ExecutionResult is the per-testcase outcome produced by a runner.
type ExecutionResult struct {
	TestcaseID string       `json:"testcaseId"`
	Status     ResultStatus `json:"status"`
	Stdout     string       `json:"stdout"`
	Stderr     string       `json:"stderr"`
	RuntimeMs  int64        `json:"runtimeMs"`
	MemoryMb   float64      `json:"memoryMb"`
	ExitCode   *int         `json:"exitCode,omitempty"`
	Diff       string       `json:"diff,omitempty"`
}

// Submission is one user attempt at a problem.
type Submission struct {
	ID             string            `json:"id" db:"id"`
	OwnerID        string            `json:"ownerId" db:"owner_id"`
	ProblemID      string            `json:"problemId" db:"problem_id"`
	Language       Language          `json:"language" db:"language"`
	Code           string            `json:"code" db:"code"`
	Status         SubmissionStatus  `json:"status" db:"status"`
	Verdict        *Verdict          `json:"verdict,omitempty" db:"verdict"`
	Results        []ExecutionResult `json:"results" db:"-"`
	CompileOutput  *string           `json:"compileOutput,omitempty" db:"compile_output"`
	TotalRuntimeMs int64             `json:"totalRuntimeMs" db:"total_runtime_ms"`
	TotalPassed    int               `json:"totalPassed" db:"total_passed"`
	TotalTests     int               `json:"totalTests" db:"total_tests"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty" db:"completed_at"`
}

// Outcome is what the orchestrator writes back when a submission finishes.
type Outcome struct {
	Status         SubmissionStatus
	Verdict        Verdict
	Results        []ExecutionResult
	CompileOutput  *string
	TotalRuntimeMs int64
	TotalPassed    int
	TotalTests     int
	CompletedAt    time.Time
}
