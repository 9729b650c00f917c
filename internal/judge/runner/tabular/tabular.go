// Package tabular evaluates dataframe code by running a generated Python
// script per testcase.
package tabular

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"codejudge/internal/judge/compare"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/runner"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultCommand = "python3"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds runner settings.
type Config struct {
	// Command is the interpreter invocation; the script path is appended.
	Command string `yaml:"command"`
	WorkDir string `yaml:"workDir"`
}

// Runner executes one interpreter process per testcase.
type Runner struct {
	argv    []string
	workDir string
}

func New(cfg Config) (*Runner, error) {
	command := cfg.Command
	if strings.TrimSpace(command) == "" {
		command = defaultCommand
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse interpreter command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("interpreter command is empty")
	}
	dir := cfg.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Runner{argv: argv, workDir: dir}, nil
}

func (r *Runner) RunningMessage() string { return "Running Pandas code..." }

// Evaluate runs the generated script once per testcase.
func (r *Runner) Evaluate(ctx context.Context, req runner.Request) (runner.Outcome, error) {
	if req.Dataset == nil {
		return runner.Outcome{}, appErr.New(appErr.DatasetMissing)
	}
	script, err := BuildScript(req.Dataset, req.Code)
	if err != nil {
		return runner.Outcome{}, err
	}

	results := make([]model.ExecutionResult, 0, len(req.Testcases))
	for i, tc := range req.Testcases {
		result, err := r.runTestcase(ctx, script, tc, req.Limits.TimeFor(tc))
		if err != nil {
			return runner.Outcome{}, err
		}
		results = append(results, result)
		req.Report(ctx, result, i+1)
	}
	return runner.Outcome{Results: results}, nil
}

func (r *Runner) runTestcase(ctx context.Context, script string, tc model.Testcase, limit time.Duration) (model.ExecutionResult, error) {
	path := filepath.Join(r.workDir, "pandas_"+uuid.NewString()+".py")
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		return model.ExecutionResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "write script")
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn(ctx, "remove script failed", zap.String("path", path), zap.Error(err))
		}
	}()

	run, err := r.execute(ctx, path, limit)
	if err != nil {
		return model.ExecutionResult{}, err
	}
	if run.timedOut {
		return model.ExecutionResult{
			TestcaseID: tc.ID,
			Status:     model.ResultTLE,
			Stderr:     "Time limit exceeded",
			RuntimeMs:  limit.Milliseconds(),
			ExitCode:   intPtr(-1),
		}, nil
	}

	result := model.ExecutionResult{
		TestcaseID: tc.ID,
		Stdout:     run.stdout,
		Stderr:     run.stderr,
		RuntimeMs:  run.elapsed.Milliseconds(),
		ExitCode:   intPtr(run.exitCode),
	}
	if run.stderr != "" && run.exitCode != 0 {
		result.Status = model.ResultRE
		return result, nil
	}
	cmp := compare.Compare(run.stdout, tc.ExpectedOutput, tc.ComparatorConfig)
	result.Status = model.ResultFailed
	if cmp.Passed {
		result.Status = model.ResultPassed
	}
	result.Diff = cmp.Diff
	return result, nil
}

type execution struct {
	stdout   string
	stderr   string
	exitCode int
	elapsed  time.Duration
	timedOut bool
}

// execute runs the interpreter in its own process group and kills the whole
// group when the limit expires or ctx is cancelled.
func (r *Runner) execute(ctx context.Context, scriptPath string, limit time.Duration) (execution, error) {
	args := append(append([]string{}, r.argv[1:]...), scriptPath)
	cmd := exec.Command(r.argv[0], args...)
	cmd.Dir = r.workDir
	cmd.SysProcAttr = processGroupAttr()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return execution{}, appErr.Wrapf(err, appErr.JudgeSystemError, "start interpreter %s", r.argv[0])
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			killProcessGroup(cmd.Process.Pid)
		case <-timer.C:
			timedOut.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil && !timedOut.Load() {
		return execution{}, err
	}
	if timedOut.Load() {
		return execution{timedOut: true, elapsed: elapsed}, nil
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return execution{}, appErr.Wrapf(waitErr, appErr.JudgeSystemError, "wait interpreter")
	}
	return execution{
		stdout:   strings.TrimSpace(stdout.String()),
		stderr:   strings.TrimSpace(stderr.String()),
		exitCode: cmd.ProcessState.ExitCode(),
		elapsed:  elapsed,
	}, nil
}

// BuildScript renders the dataset as DataFrames followed by the user code and
// the CSV printing epilogue.
func BuildScript(ds *model.Dataset, code string) (string, error) {
	var b strings.Builder
	b.WriteString("import json\nimport pandas as pd\nimport sys\n\n")

	for _, t := range ds.Tables {
		if !identifier.MatchString(t.Name) {
			return "", appErr.Newf(appErr.DatasetMalformed, "table name %q is not a valid identifier", t.Name)
		}
		literal, err := columnDict(t)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.DatasetMalformed, "encode table %s", t.Name)
		}
		fmt.Fprintf(&b, "%s = pd.DataFrame(json.loads(%s))\n", t.Name, pyString(literal))
	}

	b.WriteString("\n# User code\n")
	b.WriteString(code)
	b.WriteString("\n\n# Output result_df as CSV\n")
	b.WriteString("if \"result_df\" in locals():\n")
	b.WriteString("    print(result_df.to_csv(index=False, header=False))\n")
	b.WriteString("else:\n")
	b.WriteString("    print(\"Error: result_df not defined\", file=sys.stderr)\n")
	b.WriteString("    sys.exit(1)\n")
	return b.String(), nil
}

// columnDict encodes a table as a column-oriented JSON object, keeping the
// declared column order. It is loaded with json.loads so null and booleans
// map to Python values.
func columnDict(t model.Table) (string, error) {
	var b strings.Builder
	b.WriteString("{")
	for i, c := range t.Columns {
		values := make([]interface{}, len(t.Rows))
		for j, row := range t.Rows {
			values[j] = row[c.Name]
		}
		name, err := json.Marshal(c.Name)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(values)
		if err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteString(",")
		}
		b.Write(name)
		b.WriteString(":")
		b.Write(data)
	}
	b.WriteString("}")
	return b.String(), nil
}

// pyString quotes s as a Python string literal.
func pyString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}

func intPtr(v int) *int {
	return &v
}

var _ runner.Runner = (*Runner)(nil)
