package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"codejudge/internal/common/db"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

// SubmissionRepository reads submissions and records their lifecycle.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *model.Submission) error
	Get(ctx context.Context, submissionID string) (*model.Submission, error)
	// Transition moves a submission into a non-final status.
	Transition(ctx context.Context, submissionID string, next model.SubmissionStatus) error
	// SaveOutcome writes the final status, verdict and results in one statement.
	SaveOutcome(ctx context.Context, submissionID string, outcome model.Outcome) error
}

// MySQLSubmissionRepository implements SubmissionRepository on a SQL store.
type MySQLSubmissionRepository struct {
	db db.Database
}

func NewSubmissionRepository(database db.Database) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

const submissionColumns = "id, owner_id, problem_id, language, code, status, verdict, results, compile_output, total_runtime_ms, total_passed, total_tests, created_at, completed_at"

// Create inserts a PENDING submission.
func (r *MySQLSubmissionRepository) Create(ctx context.Context, submission *model.Submission) error {
	if submission == nil {
		return appErr.ValidationError("submission", "required")
	}
	if submission.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	if submission.OwnerID == "" {
		return appErr.ValidationError("owner_id", "required")
	}
	if submission.ProblemID == "" {
		return appErr.ValidationError("problem_id", "required")
	}
	if submission.Language == "" {
		return appErr.ValidationError("language", "required")
	}
	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = time.Now().UTC()
	}
	submission.Status = model.StatusPending

	query := `
		INSERT INTO submissions (id, owner_id, problem_id, language, code, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(ctx, query,
		submission.ID,
		submission.OwnerID,
		submission.ProblemID,
		string(submission.Language),
		submission.Code,
		string(submission.Status),
		submission.CreatedAt,
	)
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return appErr.Newf(appErr.RecordAlreadyExists, "submission %s already exists", submission.ID)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "create submission")
	}
	return nil
}

func (r *MySQLSubmissionRepository) Get(ctx context.Context, submissionID string) (*model.Submission, error) {
	if submissionID == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ? LIMIT 1"
	sub, err := scanSubmission(r.db.QueryRow(ctx, query, submissionID))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load submission")
	}
	return sub, nil
}

func (r *MySQLSubmissionRepository) Transition(ctx context.Context, submissionID string, next model.SubmissionStatus) error {
	if next.Final() {
		return appErr.Newf(appErr.InvalidTransition, "final status %s must be saved with an outcome", next)
	}
	from := predecessors(next)
	query := "UPDATE submissions SET status = ?, verdict = NULL, completed_at = NULL WHERE id = ? AND status IN (" + placeholders(len(from)) + ")"
	args := []interface{}{string(next), submissionID}
	for _, s := range from {
		args = append(args, string(s))
	}
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update submission status")
	}
	return r.checkApplied(ctx, result, submissionID, next)
}

func (r *MySQLSubmissionRepository) SaveOutcome(ctx context.Context, submissionID string, outcome model.Outcome) error {
	if !outcome.Status.Final() {
		return appErr.Newf(appErr.InvalidTransition, "outcome status %s is not final", outcome.Status)
	}
	results := outcome.Results
	if results == nil {
		results = []model.ExecutionResult{}
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode results")
	}
	completedAt := outcome.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	from := predecessors(outcome.Status)
	query := `
		UPDATE submissions
		SET status = ?, verdict = ?, results = ?, compile_output = ?,
		    total_runtime_ms = ?, total_passed = ?, total_tests = ?, completed_at = ?
		WHERE id = ? AND status IN (` + placeholders(len(from)) + ")"
	args := []interface{}{
		string(outcome.Status),
		string(outcome.Verdict),
		string(payload),
		nullableString(outcome.CompileOutput),
		outcome.TotalRuntimeMs,
		outcome.TotalPassed,
		outcome.TotalTests,
		completedAt,
		submissionID,
	}
	for _, s := range from {
		args = append(args, string(s))
	}
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "save submission outcome")
	}
	return r.checkApplied(ctx, result, submissionID, outcome.Status)
}

// checkApplied turns a no-op update into NotFound or InvalidTransition.
func (r *MySQLSubmissionRepository) checkApplied(ctx context.Context, result db.Result, submissionID string, next model.SubmissionStatus) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "read affected rows")
	}
	if affected > 0 {
		return nil
	}
	current, err := r.Get(ctx, submissionID)
	if err != nil {
		return err
	}
	return appErr.Newf(appErr.InvalidTransition, "submission %s cannot move from %s to %s", submissionID, current.Status, next)
}

var allStatuses = []model.SubmissionStatus{
	model.StatusPending,
	model.StatusCompiling,
	model.StatusRunning,
	model.StatusCompleted,
	model.StatusFailed,
}

func predecessors(next model.SubmissionStatus) []model.SubmissionStatus {
	var from []model.SubmissionStatus
	for _, s := range allStatuses {
		if s.CanTransition(next) {
			from = append(from, s)
		}
	}
	if len(from) == 0 {
		// No legal source; keep the IN list valid so the update matches nothing.
		from = append(from, "")
	}
	return from
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanSubmission(row db.Row) (*model.Submission, error) {
	var (
		sub           model.Submission
		language      string
		status        string
		verdict       sql.NullString
		results       sql.NullString
		compileOutput sql.NullString
		completedAt   sql.NullTime
	)
	if err := row.Scan(
		&sub.ID,
		&sub.OwnerID,
		&sub.ProblemID,
		&language,
		&sub.Code,
		&status,
		&verdict,
		&results,
		&compileOutput,
		&sub.TotalRuntimeMs,
		&sub.TotalPassed,
		&sub.TotalTests,
		&sub.CreatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	sub.Language = model.Language(language)
	sub.Status = model.SubmissionStatus(status)
	if verdict.Valid && verdict.String != "" {
		v := model.Verdict(verdict.String)
		sub.Verdict = &v
	}
	sub.Results = []model.ExecutionResult{}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &sub.Results); err != nil {
			return nil, err
		}
	}
	if compileOutput.Valid {
		out := compileOutput.String
		sub.CompileOutput = &out
	}
	if completedAt.Valid {
		t := completedAt.Time
		sub.CompletedAt = &t
	}
	return &sub, nil
}

var _ SubmissionRepository = (*MySQLSubmissionRepository)(nil)
