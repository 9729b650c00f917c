package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codejudge/internal/judge/controller"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/queue"
	appErr "codejudge/pkg/errors"

	"github.com/gin-gonic/gin"
)

type fakeSubmitter struct {
	calls []string
	err   error
}

func (f *fakeSubmitter) SubmitForEvaluation(_ context.Context, submissionID, ownerID, problemID string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, submissionID+"/"+ownerID+"/"+problemID)
	return nil
}

type fakeStatus struct {
	events map[string]model.ProgressEvent
}

func (f *fakeStatus) Get(_ context.Context, id string) (model.ProgressEvent, error) {
	e, ok := f.events[id]
	if !ok {
		return model.ProgressEvent{}, appErr.New(appErr.NotFound).WithMessage("submission status not found")
	}
	return e, nil
}

type fakeInspector struct {
	lastWhich queue.History
	lastLimit int64
}

func (f *fakeInspector) History(_ context.Context, which queue.History, limit int64) ([]queue.Record, error) {
	f.lastWhich = which
	f.lastLimit = limit
	return []queue.Record{{SubmissionID: "s1", OwnerID: "u1", ProblemID: "p1", Attempts: 1, FinishedAt: time.Unix(0, 0).UTC()}}, nil
}

func (f *fakeInspector) Counts(context.Context) (queue.Counts, error) {
	return queue.Counts{Waiting: 2, Completed: 1}, nil
}

type envelope struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
}

func newRouter(s *fakeSubmitter, st *fakeStatus, q *fakeInspector) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	controller.NewJudgeController(s, st, q).Register(router.Group("/api/v1/judge"))
	return router
}

func do(t *testing.T, router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, env
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
		wantCalls  int
	}{
		{name: "queued", body: `{"submissionId":"s1","ownerId":"u1","problemId":"p1"}`, wantStatus: http.StatusAccepted, wantCalls: 1},
		{name: "missing owner", body: `{"submissionId":"s1","problemId":"p1"}`, wantStatus: http.StatusBadRequest},
		{name: "blank ids", body: `{"submissionId":" ","ownerId":"u1","problemId":"p1"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "duplicate", body: `{"submissionId":"s1","ownerId":"u1","problemId":"p1"}`, submitErr: appErr.New(appErr.DuplicateJob), wantStatus: http.StatusConflict},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			submitter := &fakeSubmitter{err: tc.submitErr}
			router := newRouter(submitter, &fakeStatus{}, &fakeInspector{})

			rec, env := do(t, router, http.MethodPost, "/api/v1/judge/evaluations", tc.body)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
			if len(submitter.calls) != tc.wantCalls {
				t.Fatalf("submit calls = %v", submitter.calls)
			}
			if tc.wantStatus == http.StatusAccepted {
				var data controller.EvaluateResponse
				if err := json.Unmarshal(env.Data, &data); err != nil {
					t.Fatalf("decode data: %v", err)
				}
				if data.SubmissionID != "s1" || data.Status != model.StatusPending {
					t.Fatalf("unexpected data %+v", data)
				}
			}
		})
	}
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	v := model.VerdictAccepted
	status := &fakeStatus{events: map[string]model.ProgressEvent{
		"s1": {SubmissionID: "s1", Status: model.StatusCompleted, Verdict: &v},
	}}
	router := newRouter(&fakeSubmitter{}, status, &fakeInspector{})

	rec, env := do(t, router, http.MethodGet, "/api/v1/judge/submissions/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var event model.ProgressEvent
	if err := json.Unmarshal(env.Data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Status != model.StatusCompleted || event.Verdict == nil || *event.Verdict != model.VerdictAccepted {
		t.Fatalf("unexpected event %+v", event)
	}

	rec, env = do(t, router, http.MethodGet, "/api/v1/judge/submissions/nope", "")
	if rec.Code != http.StatusNotFound || env.Code != appErr.NotFound {
		t.Fatalf("expected not found, got %d %+v", rec.Code, env)
	}
}

func TestQueueHistory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantLimit  int64
	}{
		{name: "completed default limit", path: "/api/v1/judge/queue/completed", wantStatus: http.StatusOK, wantLimit: 50},
		{name: "failed capped limit", path: "/api/v1/judge/queue/failed?limit=9999", wantStatus: http.StatusOK, wantLimit: 500},
		{name: "unknown list", path: "/api/v1/judge/queue/waiting", wantStatus: http.StatusBadRequest},
		{name: "bad limit", path: "/api/v1/judge/queue/failed?limit=-1", wantStatus: http.StatusBadRequest},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			inspector := &fakeInspector{}
			router := newRouter(&fakeSubmitter{}, &fakeStatus{}, inspector)

			rec, env := do(t, router, http.MethodGet, tc.path, "")
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantStatus != http.StatusOK {
				return
			}
			if inspector.lastLimit != tc.wantLimit {
				t.Fatalf("limit = %d, want %d", inspector.lastLimit, tc.wantLimit)
			}
			var data controller.QueueHistoryResponse
			if err := json.Unmarshal(env.Data, &data); err != nil {
				t.Fatalf("decode data: %v", err)
			}
			if len(data.Items) != 1 || data.Counts.Waiting != 2 {
				t.Fatalf("unexpected history %+v", data)
			}
		})
	}
}
