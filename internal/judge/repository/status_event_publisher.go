package repository

import (
	"context"
	"encoding/json"
	"time"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

// StatusEventFinal marks the event that closes a submission's lifecycle.
const StatusEventFinal = "final"

// StatusEvent is the message published for downstream consumers.
type StatusEvent struct {
	Type      string              `json:"type"`
	Event     model.ProgressEvent `json:"event"`
	CreatedAt int64               `json:"createdAt"`
}

// StatusEventPublisher publishes status events for async processing.
type StatusEventPublisher interface {
	PublishFinalStatus(ctx context.Context, event model.ProgressEvent) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
func NewMQStatusEventPublisher(producer mq.Producer, topic string) *MQStatusEventPublisher {
	return &MQStatusEventPublisher{producer: producer, topic: topic}
}

// PublishFinalStatus publishes a final status event keyed by submission id.
func (p *MQStatusEventPublisher) PublishFinalStatus(ctx context.Context, event model.ProgressEvent) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("status topic is required")
	}
	if event.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if !event.Final() {
		return appErr.Newf(appErr.InvalidParams, "status %s is not final", event.Status)
	}
	payload, err := json.Marshal(StatusEvent{
		Type:      StatusEventFinal,
		Event:     event,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal status event failed")
	}
	message := mq.NewMessage(payload)
	message.ID = event.SubmissionID
	message.SetHeader("type", StatusEventFinal)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.PublishError, "publish status event failed")
	}
	return nil
}

var _ StatusEventPublisher = (*MQStatusEventPublisher)(nil)
