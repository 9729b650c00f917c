package progress

import (
	"context"
	"encoding/json"
	"strings"

	"codejudge/internal/common/cache"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const DefaultChannelPrefix = "judge:progress:"

// RedisFanout publishes events on redis so every service instance can deliver
// them to its own connected clients.
type RedisFanout struct {
	pub    cache.PubSubOps
	prefix string
}

func NewRedisFanout(pub cache.PubSubOps, prefix string) *RedisFanout {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisFanout{pub: pub, prefix: prefix}
}

func (f *RedisFanout) Broadcast(ctx context.Context, event model.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.BroadcastFailed, "encode progress event")
	}
	if err := f.pub.Publish(ctx, f.prefix+event.SubmissionID, string(payload)); err != nil {
		return appErr.Wrapf(err, appErr.BroadcastFailed, "publish progress event")
	}
	return nil
}

// Relay feeds events published by any instance into a local broadcaster.
type Relay struct {
	sub    cache.PubSubOps
	prefix string
	target Broadcaster
	ready  chan struct{}
}

func NewRelay(sub cache.PubSubOps, prefix string, target Broadcaster) *Relay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Relay{sub: sub, prefix: prefix, target: target, ready: make(chan struct{})}
}

// Ready is closed once the subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	subscription, err := r.sub.PSubscribe(ctx, r.prefix+"*")
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "subscribe progress channel")
	}
	defer func() { _ = subscription.Close() }()
	close(r.ready)
	logger.Info(ctx, "progress relay started", zap.String("pattern", r.prefix+"*"))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-subscription.Messages():
			if !ok {
				return appErr.New(appErr.CacheError).WithMessage("progress subscription closed")
			}
			r.deliver(ctx, msg)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, msg cache.PubSubMessage) {
	var event model.ProgressEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		logger.Warn(ctx, "discarding malformed progress event", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if event.SubmissionID == "" {
		event.SubmissionID = strings.TrimPrefix(msg.Channel, r.prefix)
	}
	if err := r.target.Broadcast(ctx, event); err != nil {
		logger.Warn(ctx, "relay progress event failed", zap.String("submission_id", event.SubmissionID), zap.Error(err))
	}
}

var _ Broadcaster = (*RedisFanout)(nil)
