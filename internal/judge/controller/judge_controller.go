package controller

import (
	"context"
	"strconv"
	"strings"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/queue"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Submitter admits submissions for evaluation.
type Submitter interface {
	SubmitForEvaluation(ctx context.Context, submissionID, ownerID, problemID string) error
}

// StatusReader returns the latest progress event of a submission.
type StatusReader interface {
	Get(ctx context.Context, submissionID string) (model.ProgressEvent, error)
}

// QueueInspector exposes retained job history.
type QueueInspector interface {
	History(ctx context.Context, which queue.History, limit int64) ([]queue.Record, error)
	Counts(ctx context.Context) (queue.Counts, error)
}

// JudgeController handles judge HTTP endpoints.
type JudgeController struct {
	submitter Submitter
	status    StatusReader
	queue     QueueInspector
}

// NewJudgeController creates a new controller.
func NewJudgeController(submitter Submitter, status StatusReader, inspector QueueInspector) *JudgeController {
	return &JudgeController{submitter: submitter, status: status, queue: inspector}
}

// EvaluateRequest is the intake payload.
type EvaluateRequest struct {
	SubmissionID string `json:"submissionId" binding:"required"`
	OwnerID      string `json:"ownerId" binding:"required"`
	ProblemID    string `json:"problemId" binding:"required"`
}

// EvaluateResponse acknowledges a queued submission.
type EvaluateResponse struct {
	SubmissionID string                 `json:"submissionId"`
	Status       model.SubmissionStatus `json:"status"`
}

// QueueHistoryResponse lists retained jobs with the current queue sizes.
type QueueHistoryResponse struct {
	Items  []queue.Record `json:"items"`
	Counts queue.Counts   `json:"counts"`
}

// Evaluate queues one submission.
func (h *JudgeController) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	req.SubmissionID = strings.TrimSpace(req.SubmissionID)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.ProblemID = strings.TrimSpace(req.ProblemID)
	if req.SubmissionID == "" || req.OwnerID == "" || req.ProblemID == "" {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	if err := h.submitter.SubmitForEvaluation(c.Request.Context(), req.SubmissionID, req.OwnerID, req.ProblemID); err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, EvaluateResponse{SubmissionID: req.SubmissionID, Status: model.StatusPending})
}

// GetStatus returns status for one submission.
func (h *JudgeController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	status, err := h.status.Get(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// QueueHistory returns the retained completed or failed jobs.
func (h *JudgeController) QueueHistory(c *gin.Context) {
	which := queue.History(c.Param("which"))
	if which != queue.HistoryCompleted && which != queue.HistoryFailed {
		response.Error(c, appErr.ValidationError("which", "must be completed or failed"))
		return
	}
	limit := int64(defaultHistoryLimit)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			response.Error(c, appErr.ValidationError("limit", "must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx := c.Request.Context()
	items, err := h.queue.History(ctx, which, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	counts, err := h.queue.Counts(ctx)
	if err != nil {
		response.Error(c, err)
		return
	}
	if items == nil {
		items = []queue.Record{}
	}
	response.Success(c, QueueHistoryResponse{Items: items, Counts: counts})
}

// Register mounts the judge routes on group.
func (h *JudgeController) Register(group *gin.RouterGroup) {
	group.POST("/evaluations", h.Evaluate)
	group.GET("/submissions/:id", h.GetStatus)
	group.GET("/queue/:which", h.QueueHistory)
}
