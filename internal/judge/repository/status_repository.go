package repository

import (
	"context"
	"encoding/json"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

const (
	statusKeyPrefix  = "judge:status:"
	defaultStatusTTL = 24 * time.Hour
)

// StatusRepository keeps the latest progress event of each submission.
type StatusRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &StatusRepository{cache: cacheClient, TTL: ttl}
}

// Get returns the latest event by submission id.
func (r *StatusRepository) Get(ctx context.Context, submissionID string) (model.ProgressEvent, error) {
	if submissionID == "" {
		return model.ProgressEvent{}, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return model.ProgressEvent{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+submissionID)
	if err != nil {
		return model.ProgressEvent{}, appErr.Wrapf(err, appErr.CacheError, "load status failed")
	}
	if val == "" {
		return model.ProgressEvent{}, appErr.New(appErr.NotFound).WithMessage("submission status not found")
	}
	var event model.ProgressEvent
	if err := json.Unmarshal([]byte(val), &event); err != nil {
		return model.ProgressEvent{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return event, nil
}

// Save stores event as the submission's latest status.
func (r *StatusRepository) Save(ctx context.Context, event model.ProgressEvent) error {
	if event.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal status failed")
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+event.SubmissionID, string(data), r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheSetFailed, "store status failed")
	}
	return nil
}

// Broadcast records every delivered event so late readers can poll the status.
func (r *StatusRepository) Broadcast(ctx context.Context, event model.ProgressEvent) error {
	return r.Save(ctx, event)
}
