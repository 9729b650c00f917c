package relational

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/runner"
	appErr "codejudge/pkg/errors"
)

func employees() *model.Dataset {
	return &model.Dataset{
		ID:   "ds-1",
		Type: model.DatasetSQL,
		Tables: []model.Table{{
			Name: "employees",
			Columns: []model.Column{
				{Name: "id", Type: "INTEGER"},
				{Name: "name", Type: "VARCHAR(50)"},
				{Name: "salary", Type: "REAL"},
				{Name: "manager_id", Type: "INTEGER"},
			},
			Rows: []map[string]interface{}{
				{"id": float64(1), "name": "Alice", "salary": 5000.5, "manager_id": nil},
				{"id": float64(2), "name": "Bob", "salary": float64(4000), "manager_id": float64(1)},
				{"id": float64(3), "name": "Carol", "salary": float64(4500), "manager_id": float64(1)},
			},
		}},
	}
}

func tableCase(id, expected string) model.Testcase {
	return model.Testcase{
		ID:               id,
		ExpectedOutput:   expected,
		ComparatorConfig: model.ComparatorConfig{Type: model.ComparatorTable, TrimWhitespace: true, OrderSensitive: true},
	}
}

func newRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := New(Config{WorkDir: dir})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, dir
}

func TestEvaluate_QueryResults(t *testing.T) {
	t.Parallel()
	r, dir := newRunner(t)

	out, err := r.Evaluate(context.Background(), runner.Request{
		Language: model.LanguageSQL,
		Code:     "SELECT name, salary, manager_id FROM employees ORDER BY id",
		Dataset:  employees(),
		Testcases: []model.Testcase{
			tableCase("t1", "Alice|5000.5|\nBob|4000|1\nCarol|4500|1"),
			tableCase("t2", "Alice|5000.5|\nCarol|4500|1\nBob|4000|1"),
		},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Results[0].Status != model.ResultPassed {
		t.Fatalf("expected first testcase to pass, got %+v", out.Results[0])
	}
	if out.Results[1].Status != model.ResultFailed || out.Results[1].Diff == "" {
		t.Fatalf("expected ordered mismatch, got %+v", out.Results[1])
	}
	if out.Results[0].MemoryMb != 0 {
		t.Fatalf("memory should not be measured")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected store files to be removed, found %d", len(entries))
	}
}

func TestEvaluate_SyntaxErrorIsRuntimeErrorPerTestcase(t *testing.T) {
	t.Parallel()
	r, _ := newRunner(t)

	var seen []int
	out, err := r.Evaluate(context.Background(), runner.Request{
		Language:  model.LanguageSQL,
		Code:      "SELEC name FROM employees",
		Dataset:   employees(),
		Testcases: []model.Testcase{tableCase("t1", "Alice"), tableCase("t2", "Bob"), tableCase("t3", "Carol")},
		Progress: func(_ context.Context, _ model.ExecutionResult, current, _ int) {
			seen = append(seen, current)
		},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(out.Results) != 3 || len(seen) != 3 {
		t.Fatalf("expected three results and progress calls, got %d and %d", len(out.Results), len(seen))
	}
	for _, res := range out.Results {
		if res.Status != model.ResultRE || !strings.Contains(res.Stderr, "syntax error") {
			t.Fatalf("expected runtime error with engine message, got %+v", res)
		}
	}
}

func TestEvaluate_RejectsHostFileAccess(t *testing.T) {
	t.Parallel()
	r, dir := newRunner(t)
	target := filepath.Join(dir, "outside.db")

	statements := []string{
		"ATTACH DATABASE '" + target + "' AS outside",
		"PRAGMA table_info(employees)",
	}
	for _, code := range statements {
		out, err := r.Evaluate(context.Background(), runner.Request{
			Language:  model.LanguageSQL,
			Code:      code,
			Dataset:   employees(),
			Testcases: []model.Testcase{tableCase("t1", "")},
		})
		if err != nil {
			t.Fatalf("Evaluate(%q): %v", code, err)
		}
		if res := out.Results[0]; res.Status != model.ResultRE || res.Stderr == "" {
			t.Fatalf("expected %q to be refused, got %+v", code, res)
		}
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("attached file must not be created, stat err=%v", err)
	}
}

func TestEvaluate_TestcasesUseFreshStores(t *testing.T) {
	t.Parallel()
	r, _ := newRunner(t)

	out, err := r.Evaluate(context.Background(), runner.Request{
		Language:  model.LanguageSQL,
		Code:      "INSERT INTO employees (id, name) VALUES (4, 'Dan') RETURNING id",
		Dataset:   employees(),
		Testcases: []model.Testcase{tableCase("t1", "4"), tableCase("t2", "4")},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for _, res := range out.Results {
		if res.Status != model.ResultPassed {
			t.Fatalf("expected every testcase to see the original data, got %+v", res)
		}
	}
}

func TestEvaluate_TimeoutIsTLE(t *testing.T) {
	t.Parallel()
	r, _ := newRunner(t)
	timeout := int64(50)
	tc := tableCase("t1", "0")
	tc.TimeoutMs = &timeout

	out, err := r.Evaluate(context.Background(), runner.Request{
		Language:  model.LanguageSQL,
		Code:      "WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT count(*) FROM c",
		Dataset:   employees(),
		Testcases: []model.Testcase{tc},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Results[0].Status != model.ResultTLE || out.Results[0].RuntimeMs != 50 {
		t.Fatalf("expected TLE, got %+v", out.Results[0])
	}
}

func TestEvaluate_DatasetProblems(t *testing.T) {
	t.Parallel()
	r, _ := newRunner(t)

	_, err := r.Evaluate(context.Background(), runner.Request{Language: model.LanguageSQL, Testcases: []model.Testcase{tableCase("t1", "")}})
	if !appErr.Is(err, appErr.DatasetMissing) {
		t.Fatalf("expected DatasetMissing, got %v", err)
	}

	bad := employees()
	bad.Tables[0].Columns[0].Type = "INTEGER); DROP TABLE x; --"
	_, err = r.Evaluate(context.Background(), runner.Request{Language: model.LanguageSQL, Dataset: bad, Testcases: []model.Testcase{tableCase("t1", "")}})
	if !appErr.Is(err, appErr.DatasetMalformed) || appErr.IsRetryable(err) {
		t.Fatalf("expected non-retryable DatasetMalformed, got %v", err)
	}
}

func TestFormatAndBindValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{[]byte("raw"), "raw"},
		{int64(-7), "-7"},
		{2.5, "2.5"},
		{float64(3), "3"},
		{true, "1"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Fatalf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if v := bindValue(float64(42)); v != int64(42) {
		t.Fatalf("integral float should bind as int64, got %T", v)
	}
	if v := bindValue(map[string]interface{}{"a": 1.0}); v != `{"a":1}` {
		t.Fatalf("nested value should bind as json, got %v", v)
	}
}
