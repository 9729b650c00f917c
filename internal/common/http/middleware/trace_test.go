package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	commonmw "codejudge/internal/common/http/middleware"
	"codejudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

type traceResponse struct {
	TraceID      string `json:"trace_id"`
	RequestID    string `json:"request_id"`
	CtxTraceID   string `json:"ctx_trace_id"`
	CtxRequestID string `json:"ctx_request_id"`
	CtxUserID    string `json:"ctx_user_id"`
}

func newTraceRouter(cfg commonmw.TraceContextConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(commonmw.TraceContextMiddlewareWithConfig(cfg), commonmw.RequestLogger())
	router.GET("/trace", func(c *gin.Context) {
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, traceResponse{
			TraceID:      c.GetString("trace_id"),
			RequestID:    c.GetString("request_id"),
			CtxTraceID:   toString(ctx.Value(contextkey.TraceID)),
			CtxRequestID: toString(ctx.Value(contextkey.RequestID)),
			CtxUserID:    toString(ctx.Value(contextkey.UserID)),
		})
	})
	return router
}

func TestTraceContextMiddleware(t *testing.T) {
	tests := []struct {
		name              string
		cfg               commonmw.TraceContextConfig
		headers           map[string]string
		expectedTraceID   string
		expectedRequestID string
		expectedUserID    string
	}{
		{
			name: "generate trace and request id",
			cfg:  commonmw.TraceContextConfig{AllowUserIDHeader: true},
		},
		{
			name: "preserve trace request and user id",
			cfg:  commonmw.TraceContextConfig{AllowUserIDHeader: true, WriteUserIDHeader: true},
			headers: map[string]string{
				"X-Trace-Id":   "trace-123",
				"X-Request-Id": "req-123",
				"X-User-Id":    "42",
			},
			expectedTraceID:   "trace-123",
			expectedRequestID: "req-123",
			expectedUserID:    "42",
		},
		{
			name:    "ignore user header when not trusted",
			cfg:     commonmw.TraceContextConfig{},
			headers: map[string]string{"X-User-Id": "42"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newTraceRouter(tc.cfg)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/trace", nil)
			for key, value := range tc.headers {
				req.Header.Set(key, value)
			}
			router.ServeHTTP(rec, req)

			var resp traceResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response failed: %v", err)
			}
			if resp.TraceID == "" || resp.CtxTraceID != resp.TraceID {
				t.Fatalf("trace id mismatch: gin=%q ctx=%q", resp.TraceID, resp.CtxTraceID)
			}
			if resp.RequestID == "" || resp.CtxRequestID != resp.RequestID {
				t.Fatalf("request id mismatch: gin=%q ctx=%q", resp.RequestID, resp.CtxRequestID)
			}
			if tc.expectedTraceID != "" && resp.TraceID != tc.expectedTraceID {
				t.Fatalf("expected trace id %s, got %s", tc.expectedTraceID, resp.TraceID)
			}
			if tc.expectedRequestID != "" && resp.RequestID != tc.expectedRequestID {
				t.Fatalf("expected request id %s, got %s", tc.expectedRequestID, resp.RequestID)
			}
			if resp.CtxUserID != tc.expectedUserID {
				t.Fatalf("expected user id %q in context, got %q", tc.expectedUserID, resp.CtxUserID)
			}
			if rec.Header().Get("X-Trace-Id") != resp.TraceID {
				t.Fatalf("expected trace id header")
			}
			if rec.Header().Get("X-User-Id") != tc.expectedUserID {
				t.Fatalf("unexpected user id header %q", rec.Header().Get("X-User-Id"))
			}
		})
	}
}

func toString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}
