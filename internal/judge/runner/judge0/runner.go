// Package judge0 runs compiled and interpreted programs on a remote
// Judge0-compatible execution backend.
package judge0

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"codejudge/internal/judge/compare"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/runner"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const compileFailedText = "Compilation failed"

// Runner submits each testcase to the backend and polls for its result.
type Runner struct {
	cfg    Config
	client *client
}

// New creates a runner. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) (*Runner, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("judge0 base url is required")
	}
	cfg.ApplyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Runner{cfg: cfg, client: &client{cfg: cfg, http: httpClient}}, nil
}

// Evaluate runs every testcase in order. A compilation error stops the run
// and is reported through Outcome.CompileOutput.
func (r *Runner) Evaluate(ctx context.Context, req runner.Request) (runner.Outcome, error) {
	languageID, ok := r.cfg.LanguageIDs[req.Language]
	if !ok {
		return runner.Outcome{}, appErr.Newf(appErr.LanguageNotSupported, "language %q has no backend id", req.Language)
	}

	results := make([]model.ExecutionResult, 0, len(req.Testcases))
	for i, tc := range req.Testcases {
		limit := req.Limits.TimeFor(tc)
		res, finished, err := r.execute(ctx, req, languageID, tc, limit)
		if err != nil {
			return runner.Outcome{}, err
		}

		var result model.ExecutionResult
		switch {
		case !finished:
			logger.Warn(ctx, "execution backend polling budget exhausted", zap.String("testcase_id", tc.ID))
			result = model.ExecutionResult{
				TestcaseID: tc.ID,
				Status:     model.ResultTLE,
				Stderr:     "Time limit exceeded",
				RuntimeMs:  limit.Milliseconds(),
			}
		case res.statusID == statusCompilationError:
			text := compileText(res)
			return runner.Outcome{Results: []model.ExecutionResult{}, CompileOutput: &text}, nil
		default:
			result = toResult(res, tc, req.Limits.MemoryMb)
		}

		results = append(results, result)
		req.Report(ctx, result, i+1)
	}
	return runner.Outcome{Results: results}, nil
}

// execute creates one backend submission and polls it. finished is false
// when the polling budget ran out first.
func (r *Runner) execute(ctx context.Context, req runner.Request, languageID int, tc model.Testcase, limit time.Duration) (decoded, bool, error) {
	memoryMb := req.Limits.MemoryMb
	if memoryMb <= 0 {
		memoryMb = model.DefaultMemoryLimitMb
	}
	token, err := r.client.create(ctx, createRequest{
		SourceCode:     encodeField(req.Code),
		LanguageID:     languageID,
		Stdin:          encodeField(tc.Input),
		ExpectedOutput: encodeField(tc.ExpectedOutput),
		CPUTimeLimit:   limit.Seconds(),
		MemoryLimit:    memoryMb * 1024,
	})
	if err != nil {
		return decoded{}, false, err
	}

	for attempt := 0; attempt < r.cfg.PollAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, r.cfg.PollInterval); err != nil {
				return decoded{}, false, err
			}
		}
		resp, err := r.client.get(ctx, token)
		if err != nil {
			return decoded{}, false, err
		}
		if resp.Status.ID <= statusProcessing {
			continue
		}
		out, err := resp.decode()
		if err != nil {
			return decoded{}, false, appErr.Wrapf(err, appErr.RunnerProtocol, "decode submission %s", token)
		}
		return out, true, nil
	}
	return decoded{}, false, nil
}

func toResult(res decoded, tc model.Testcase, memoryLimitMb int64) model.ExecutionResult {
	result := model.ExecutionResult{
		TestcaseID: tc.ID,
		Stdout:     res.stdout,
		Stderr:     res.stderr,
		RuntimeMs:  int64(math.Round(res.timeSec * 1000)),
		MemoryMb:   res.memoryKB / 1024,
		ExitCode:   res.exitCode,
	}

	switch {
	case res.statusID == statusTimeLimit:
		result.Status = model.ResultTLE
	case res.statusID >= statusRuntimeFirst && res.statusID <= statusRuntimeLast:
		result.Status = model.ResultRE
	case res.statusID == statusAccepted || res.statusID == statusWrongAnswer:
		cmp := compare.Compare(res.stdout, tc.ExpectedOutput, tc.ComparatorConfig)
		result.Status = model.ResultFailed
		if cmp.Passed {
			result.Status = model.ResultPassed
		}
		result.Diff = cmp.Diff
		if memoryLimitMb > 0 && result.MemoryMb > float64(memoryLimitMb) {
			result.Status = model.ResultMLE
		}
	default:
		result.Status = model.ResultRE
	}
	return result
}

func compileText(res decoded) string {
	if res.compileOutput != "" {
		return res.compileOutput
	}
	if res.stderr != "" {
		return res.stderr
	}
	return compileFailedText
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ runner.Runner = (*Runner)(nil)
