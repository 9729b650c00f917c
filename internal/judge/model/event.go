package model

import "time"

// TestcaseUpdate reports one finished testcase during a run.
type TestcaseUpdate struct {
	TestcaseID string       `json:"testcaseId"`
	Status     ResultStatus `json:"status"`
	Current    int          `json:"current"`
	Total      int          `json:"total"`
}

// ProgressEvent is one submission update delivered to subscribers.
// Optional fields are omitted from the wire form when unset.
type ProgressEvent struct {
	SubmissionID   string            `json:"submissionId"`
	Status         SubmissionStatus  `json:"status"`
	Progress       *int              `json:"progress,omitempty"`
	Message        string            `json:"message,omitempty"`
	Verdict        *Verdict          `json:"verdict,omitempty"`
	CompileOutput  *string           `json:"compileOutput,omitempty"`
	TotalTests     *int              `json:"totalTests,omitempty"`
	TotalPassed    *int              `json:"totalPassed,omitempty"`
	TotalRuntimeMs *int64            `json:"totalRuntimeMs,omitempty"`
	Results        []ExecutionResult `json:"results,omitempty"`
	TestcaseUpdate *TestcaseUpdate   `json:"testcaseUpdate,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Final reports whether the event closes the submission's lifecycle.
func (e ProgressEvent) Final() bool {
	return e.Status.Final()
}
