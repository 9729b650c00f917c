// Package verdict folds per-testcase results into a submission verdict.
package verdict

import "codejudge/internal/judge/model"

// precedence lists result statuses from most to least severe together with
// the verdict each one produces.
var precedence = []struct {
	status  model.ResultStatus
	verdict model.Verdict
}{
	{model.ResultRE, model.VerdictRuntimeError},
	{model.ResultTLE, model.VerdictTimeLimitExceeded},
	{model.ResultMLE, model.VerdictMemoryLimitExceeded},
	{model.ResultFailed, model.VerdictWrongAnswer},
}

// Resolve returns the verdict for an ordered list of testcase results.
// Compilation failures are decided before results exist and never reach here.
// An empty list, or any status it does not recognise, yields INTERNAL_ERROR.
func Resolve(results []model.ExecutionResult) model.Verdict {
	if len(results) == 0 {
		return model.VerdictInternalError
	}

	seen := make(map[model.ResultStatus]bool, len(precedence))
	for _, r := range results {
		switch r.Status {
		case model.ResultPassed, model.ResultFailed, model.ResultTLE, model.ResultMLE, model.ResultRE:
			seen[r.Status] = true
		default:
			return model.VerdictInternalError
		}
	}
	for _, p := range precedence {
		if seen[p.status] {
			return p.verdict
		}
	}
	return model.VerdictAccepted
}

// FirstFailing returns the first result that did not pass, or nil.
func FirstFailing(results []model.ExecutionResult) *model.ExecutionResult {
	for i := range results {
		if results[i].Status != model.ResultPassed {
			return &results[i]
		}
	}
	return nil
}

// Summary aggregates counts used when persisting a finished submission.
type Summary struct {
	Verdict        model.Verdict
	TotalTests     int
	TotalPassed    int
	TotalRuntimeMs int64
}

// Summarize resolves the verdict and totals the results.
func Summarize(results []model.ExecutionResult) Summary {
	s := Summary{Verdict: Resolve(results), TotalTests: len(results)}
	for _, r := range results {
		if r.Status == model.ResultPassed {
			s.TotalPassed++
		}
		s.TotalRuntimeMs += r.RuntimeMs
	}
	return s
}
