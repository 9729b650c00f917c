package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultProblemCacheTTL      = 30 * time.Minute
	defaultProblemCacheEmptyTTL = 5 * time.Minute
	problemCacheKeyPrefix       = "judge:problem:"
)

// ProblemRepository reads problem definitions and maintains their statistics.
type ProblemRepository interface {
	Get(ctx context.Context, problemID string) (*model.Problem, error)
	// RecordResult counts one finished submission against the problem.
	RecordResult(ctx context.Context, problemID string, accepted bool) error
}

// MySQLProblemRepository reads problems from SQL with a cache-aside layer.
type MySQLProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewProblemRepository(database db.Database, cacheClient cache.Cache) *MySQLProblemRepository {
	return NewProblemRepositoryWithTTL(database, cacheClient, defaultProblemCacheTTL, defaultProblemCacheEmptyTTL)
}

func NewProblemRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemCacheEmptyTTL
	}
	return &MySQLProblemRepository{db: database, cache: cacheClient, ttl: ttl, emptyTTL: emptyTTL}
}

func (r *MySQLProblemRepository) Get(ctx context.Context, problemID string) (*model.Problem, error) {
	if problemID == "" {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	if r.cache == nil {
		return r.getFromDB(ctx, problemID)
	}
	problem, err := cache.GetWithCached[*model.Problem](
		ctx,
		r.cache,
		problemCacheKey(problemID),
		r.ttl,
		cache.JitterTTL(r.emptyTTL),
		func(p *model.Problem) bool { return p == nil },
		marshalProblem,
		unmarshalProblem,
		func(ctx context.Context) (*model.Problem, error) {
			p, err := r.getFromDB(ctx, problemID)
			if appErr.Is(err, appErr.ProblemNotFound) {
				return nil, nil
			}
			return p, err
		},
	)
	if err != nil {
		return nil, err
	}
	if problem == nil {
		return nil, appErr.New(appErr.ProblemNotFound).WithDetail("problem_id", problemID)
	}
	return problem, nil
}

// RecordResult applies the counters and the recomputed rate in one statement,
// so concurrent finishes never lose an increment.
func (r *MySQLProblemRepository) RecordResult(ctx context.Context, problemID string, accepted bool) error {
	inc := 0
	if accepted {
		inc = 1
	}
	query := `
		UPDATE problems
		SET acceptance_rate = (total_accepted + ?) * 100.0 / (total_submissions + 1),
		    total_submissions = total_submissions + 1,
		    total_accepted = total_accepted + ?
		WHERE id = ?`
	result, err := r.db.Exec(ctx, query, inc, inc, problemID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update problem statistics")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "read affected rows")
	}
	if affected == 0 {
		return appErr.New(appErr.ProblemNotFound).WithDetail("problem_id", problemID)
	}
	if r.cache != nil {
		if err := r.cache.Del(ctx, problemCacheKey(problemID)); err != nil {
			logger.Warn(ctx, "invalidate problem cache failed", zap.String("problem_id", problemID), zap.Error(err))
		}
	}
	return nil
}

func (r *MySQLProblemRepository) getFromDB(ctx context.Context, problemID string) (*model.Problem, error) {
	query := `
		SELECT id, time_limit_ms, memory_limit_mb, allowed_languages, dataset_id,
		       total_submissions, total_accepted, acceptance_rate
		FROM problems WHERE id = ? LIMIT 1`
	var (
		p         model.Problem
		languages string
		datasetID sql.NullString
	)
	err := r.db.QueryRow(ctx, query, problemID).Scan(
		&p.ID,
		&p.TimeLimitPerTestMs,
		&p.MemoryLimitMb,
		&languages,
		&datasetID,
		&p.TotalSubmissions,
		&p.TotalAccepted,
		&p.AcceptanceRate,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.New(appErr.ProblemNotFound).WithDetail("problem_id", problemID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load problem")
	}
	p.AllowedLanguages = parseLanguages(languages)
	if datasetID.Valid && datasetID.String != "" {
		id := datasetID.String
		p.DatasetID = &id
	}

	testcases, err := r.listTestcases(ctx, problemID)
	if err != nil {
		return nil, err
	}
	p.Testcases = testcases
	return &p, nil
}

func (r *MySQLProblemRepository) listTestcases(ctx context.Context, problemID string) ([]model.Testcase, error) {
	query := `
		SELECT id, input, expected_output, is_public, weight, comparator_config, timeout_ms
		FROM testcases WHERE problem_id = ? ORDER BY ordinal, id`
	rows, err := r.db.Query(ctx, query, problemID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list testcases")
	}
	defer rows.Close()

	testcases := make([]model.Testcase, 0)
	for rows.Next() {
		var (
			tc         model.Testcase
			comparator sql.NullString
			timeout    sql.NullInt64
		)
		if err := rows.Scan(&tc.ID, &tc.Input, &tc.ExpectedOutput, &tc.IsPublic, &tc.Weight, &comparator, &timeout); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan testcase")
		}
		tc.ComparatorConfig = model.DefaultComparatorConfig()
		if comparator.Valid && strings.TrimSpace(comparator.String) != "" {
			if err := json.Unmarshal([]byte(comparator.String), &tc.ComparatorConfig); err != nil {
				return nil, appErr.Wrapf(err, appErr.TestCaseInvalid, "testcase %s comparator config", tc.ID)
			}
		}
		if timeout.Valid && timeout.Int64 > 0 {
			ms := timeout.Int64
			tc.TimeoutMs = &ms
		}
		if tc.Weight <= 0 {
			tc.Weight = 1
		}
		testcases = append(testcases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate testcases")
	}
	return testcases, nil
}

// parseLanguages reads the comma separated allowed_languages column.
func parseLanguages(raw string) []model.Language {
	var langs []model.Language
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			langs = append(langs, model.Language(strings.ToLower(part)))
		}
	}
	return langs
}

func problemCacheKey(problemID string) string {
	return problemCacheKeyPrefix + problemID
}

func marshalProblem(p *model.Problem) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func unmarshalProblem(data string) (*model.Problem, error) {
	var p model.Problem
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

var _ ProblemRepository = (*MySQLProblemRepository)(nil)
