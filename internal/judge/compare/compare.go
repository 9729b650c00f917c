// Package compare checks program output against the expected answer.
package compare

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"codejudge/internal/judge/model"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const maxDiffLines = 10

// Result is the outcome of one comparison. Diff is empty when Passed.
type Result struct {
	Passed bool
	Diff   string
}

// Compare checks actual against expected using cfg. It never panics; an
// internal fault yields a failed result.
func Compare(actual, expected string, cfg model.ComparatorConfig) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(context.Background(), "output comparison panicked", zap.Any("panic", r))
			res = Result{Passed: false, Diff: "Error comparing outputs"}
		}
	}()

	switch cfg.Type {
	case model.ComparatorToken:
		return compareTokens(actual, expected, cfg)
	case model.ComparatorTable:
		return compareTables(actual, expected, cfg)
	default:
		return compareExact(actual, expected, cfg)
	}
}

func compareExact(actual, expected string, cfg model.ComparatorConfig) Result {
	if cfg.TrimWhitespace {
		actual = normalizeWhitespace(actual)
		expected = normalizeWhitespace(expected)
	}
	if cfg.IgnoreCase {
		actual = strings.ToLower(actual)
		expected = strings.ToLower(expected)
	}
	if actual == expected {
		return Result{Passed: true}
	}
	return Result{Diff: lineDiff(actual, expected)}
}

func compareTokens(actual, expected string, cfg model.ComparatorConfig) Result {
	if cfg.TrimWhitespace {
		actual = normalizeWhitespace(actual)
		expected = normalizeWhitespace(expected)
	}
	got := strings.Fields(actual)
	want := strings.Fields(expected)
	if len(got) != len(want) {
		return Result{Diff: fmt.Sprintf("Token count mismatch: expected %d, got %d", len(want), len(got))}
	}
	for i := range want {
		a, e := got[i], want[i]
		if cfg.IgnoreCase {
			a = strings.ToLower(a)
			e = strings.ToLower(e)
		}
		if a != e {
			return Result{Diff: fmt.Sprintf("Token mismatch at position %d: expected %q, got %q", i, e, a)}
		}
	}
	return Result{Passed: true}
}

func compareTables(actual, expected string, cfg model.ComparatorConfig) Result {
	got := tableRows(actual, cfg)
	want := tableRows(expected, cfg)

	if cfg.OrderSensitive {
		if len(got) != len(want) {
			return Result{Diff: fmt.Sprintf("Row count mismatch: expected %d rows, got %d rows", len(want), len(got))}
		}
		for i := range want {
			if got[i] != want[i] {
				return Result{Diff: fmt.Sprintf("Row %d mismatch:\nExpected: %s\nActual:   %s", i+1, want[i], got[i])}
			}
		}
		return Result{Passed: true}
	}

	// Unordered comparison uses set semantics: duplicate rows collapse.
	gotSet := make(map[string]struct{}, len(got))
	for _, row := range got {
		gotSet[row] = struct{}{}
	}
	wantSet := make(map[string]struct{}, len(want))
	wantOrder := make([]string, 0, len(want))
	for _, row := range want {
		if _, seen := wantSet[row]; !seen {
			wantSet[row] = struct{}{}
			wantOrder = append(wantOrder, row)
		}
	}
	if len(gotSet) != len(wantSet) {
		return Result{Diff: fmt.Sprintf("Row count mismatch: expected %d unique rows, got %d unique rows", len(wantSet), len(gotSet))}
	}
	for _, row := range wantOrder {
		if _, ok := gotSet[row]; !ok {
			return Result{Diff: "Missing expected row: " + row}
		}
	}
	return Result{Passed: true}
}

// tableRows splits output into normalized non-blank rows.
func tableRows(s string, cfg model.ComparatorConfig) []string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	rows := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, normalizeRow(line, cfg))
	}
	return rows
}

func normalizeRow(row string, cfg model.ComparatorConfig) string {
	row = strings.TrimSpace(row)
	if cfg.TrimWhitespace {
		row = strings.Join(strings.Fields(row), " ")
	}
	if cfg.IgnoreCase {
		row = strings.ToLower(row)
	}
	return row
}

// normalizeWhitespace unifies line endings, strips trailing spaces on each
// line and trims the whole text.
func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func lineDiff(actual, expected string) string {
	got := strings.Split(actual, "\n")
	want := strings.Split(expected, "\n")
	total := max(len(got), len(want))

	var b strings.Builder
	b.WriteString("Diff:\n")
	for i := 0; i < min(total, maxDiffLines); i++ {
		a := lineAt(got, i)
		e := lineAt(want, i)
		if a == e {
			continue
		}
		fmt.Fprintf(&b, "Line %d:\n  Expected: %s\n  Actual:   %s\n", i+1, e, a)
	}
	if total > maxDiffLines {
		fmt.Fprintf(&b, "... (%d more lines)\n", total-maxDiffLines)
	}
	return b.String()
}

func lineAt(lines []string, i int) string {
	if i < len(lines) {
		return lines[i]
	}
	return ""
}
