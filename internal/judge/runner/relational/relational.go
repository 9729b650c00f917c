// Package relational evaluates SQL queries against a freshly loaded SQLite
// store per testcase.
package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"codejudge/internal/common/db"
	"codejudge/internal/judge/compare"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/runner"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var columnType = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\(\s*\d+\s*(,\s*\d+\s*)?\))?$`)

// Config holds runner settings.
type Config struct {
	// WorkDir holds the per-testcase store files. Defaults to the OS temp dir.
	WorkDir string `yaml:"workDir"`
}

// Runner loads the dataset into a new store for every testcase.
type Runner struct {
	workDir string
}

func New(cfg Config) (*Runner, error) {
	dir := cfg.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Runner{workDir: dir}, nil
}

func (r *Runner) RunningMessage() string { return "Running SQL queries..." }

// Evaluate runs the query once per testcase. Query errors and timeouts are
// judged outcomes; failing to build the store is an infrastructure fault.
func (r *Runner) Evaluate(ctx context.Context, req runner.Request) (runner.Outcome, error) {
	if req.Dataset == nil {
		return runner.Outcome{}, appErr.New(appErr.DatasetMissing)
	}
	if err := validate(req.Dataset); err != nil {
		return runner.Outcome{}, err
	}

	results := make([]model.ExecutionResult, 0, len(req.Testcases))
	for i, tc := range req.Testcases {
		result, err := r.runTestcase(ctx, req, tc)
		if err != nil {
			return runner.Outcome{}, err
		}
		results = append(results, result)
		req.Report(ctx, result, i+1)
	}
	return runner.Outcome{Results: results}, nil
}

func (r *Runner) runTestcase(ctx context.Context, req runner.Request, tc model.Testcase) (model.ExecutionResult, error) {
	path := filepath.Join(r.workDir, "sql_"+uuid.NewString()+".db")
	defer removeStore(ctx, path)

	store, err := db.OpenRestrictedSQLite(ctx, path)
	if err != nil {
		return model.ExecutionResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "open query store")
	}
	defer func() { _ = store.Close() }()

	if err := load(ctx, store, req.Dataset); err != nil {
		return model.ExecutionResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "load dataset %s", req.Dataset.ID)
	}

	limit := req.Limits.TimeFor(tc)
	queryCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	stdout, queryErr := query(queryCtx, store, req.Code)
	elapsed := time.Since(start).Milliseconds()

	result := model.ExecutionResult{TestcaseID: tc.ID, RuntimeMs: elapsed}
	switch {
	case queryErr == nil:
		result.Stdout = stdout
		cmp := compare.Compare(stdout, tc.ExpectedOutput, tc.ComparatorConfig)
		result.Status = model.ResultFailed
		if cmp.Passed {
			result.Status = model.ResultPassed
		}
		result.Diff = cmp.Diff
	case ctx.Err() != nil:
		return model.ExecutionResult{}, ctx.Err()
	case errors.Is(queryCtx.Err(), context.DeadlineExceeded):
		result.Status = model.ResultTLE
		result.Stderr = "Time limit exceeded"
		result.RuntimeMs = limit.Milliseconds()
	default:
		result.Status = model.ResultRE
		result.Stderr = engineMessage(queryErr)
	}
	return result, nil
}

func validate(ds *model.Dataset) error {
	for _, t := range ds.Tables {
		if t.Name == "" || len(t.Columns) == 0 {
			return appErr.Newf(appErr.DatasetMalformed, "table %q has no name or columns", t.Name)
		}
		for _, c := range t.Columns {
			if c.Name == "" || !columnType.MatchString(strings.TrimSpace(c.Type)) {
				return appErr.Newf(appErr.DatasetMalformed, "column %q of table %q has invalid type %q", c.Name, t.Name, c.Type)
			}
		}
	}
	return nil
}

func load(ctx context.Context, store db.Database, ds *model.Dataset) error {
	return store.Transaction(ctx, nil, func(tx db.Transaction) error {
		for _, t := range ds.Tables {
			defs := make([]string, len(t.Columns))
			names := make([]string, len(t.Columns))
			marks := make([]string, len(t.Columns))
			for i, c := range t.Columns {
				names[i] = quoteIdent(c.Name)
				defs[i] = names[i] + " " + strings.TrimSpace(c.Type)
				marks[i] = "?"
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(t.Name), strings.Join(defs, ", "))); err != nil {
				return err
			}
			if len(t.Rows) == 0 {
				continue
			}
			stmt, err := tx.Prepare(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				quoteIdent(t.Name), strings.Join(names, ", "), strings.Join(marks, ", ")))
			if err != nil {
				return err
			}
			for _, row := range t.Rows {
				args := make([]interface{}, len(t.Columns))
				for i, c := range t.Columns {
					args[i] = bindValue(row[c.Name])
				}
				if _, err := stmt.Exec(ctx, args...); err != nil {
					_ = stmt.Close()
					return err
				}
			}
			if err := stmt.Close(); err != nil {
				return err
			}
		}
		return nil
	})
}

// query runs the submitted SQL and renders each row as `|`-joined values.
func query(ctx context.Context, store db.Database, sqlText string) (string, error) {
	rows, err := store.Query(ctx, sqlText)
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()

	var lines []string
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return "", err
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = formatValue(v)
		}
		lines = append(lines, strings.Join(cells, "|"))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// bindValue converts decoded JSON values into driver arguments. Integral
// numbers bind as integers so they render without a fractional part.
func bindValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, int64:
		return val
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format("2006-01-02")
		}
		return val.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(val)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// engineMessage strips the prefix added by the db layer so the user sees the
// engine's own message.
func engineMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "query failed: ")
}

func removeStore(ctx context.Context, path string) {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn(ctx, "remove query store failed", zap.String("path", p), zap.Error(err))
		}
	}
}

var _ runner.Runner = (*Runner)(nil)
