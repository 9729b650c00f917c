package progress

import (
	"context"
	"sync"

	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Subscriber is one connected client. Frames are queued on a bounded buffer;
// a client that falls behind is disconnected.
type Subscriber struct {
	UserID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewSubscriber(userID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{UserID: userID, send: make(chan []byte, buffer), done: make(chan struct{})}
}

// Frames yields queued frames.
func (s *Subscriber) Frames() <-chan []byte { return s.send }

// Done is closed once the subscriber is dropped.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Close marks the subscriber as gone. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// enqueue queues a frame without blocking.
func (s *Subscriber) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Hub keeps subscribers grouped by submission room on this instance.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]struct{}
	joins map[*Subscriber]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Subscriber]struct{}),
		joins: make(map[*Subscriber]map[string]struct{}),
	}
}

// Subscribe adds sub to the submission's room.
func (h *Hub) Subscribe(sub *Subscriber, submissionID string) {
	room := Room(submissionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Subscriber]struct{})
	}
	h.rooms[room][sub] = struct{}{}
	if h.joins[sub] == nil {
		h.joins[sub] = make(map[string]struct{})
	}
	h.joins[sub][room] = struct{}{}
}

// Unsubscribe removes sub from the submission's room.
func (h *Hub) Unsubscribe(sub *Subscriber, submissionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(sub, Room(submissionID))
}

// Remove drops sub from every room.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.joins[sub] {
		h.leave(sub, room)
	}
	delete(h.joins, sub)
}

func (h *Hub) leave(sub *Subscriber, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.joins[sub]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.joins, sub)
		}
	}
}

// Subscribers returns how many clients follow the submission.
func (h *Hub) Subscribers(submissionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[Room(submissionID)])
}

// Broadcast queues the event for every subscriber of its submission.
func (h *Hub) Broadcast(ctx context.Context, event model.ProgressEvent) error {
	frame, err := encodeFrame(UpdateEvent, event)
	if err != nil {
		return appErr.Wrapf(err, appErr.BroadcastFailed, "encode progress event")
	}

	h.mu.RLock()
	members := make([]*Subscriber, 0, len(h.rooms[Room(event.SubmissionID)]))
	for sub := range h.rooms[Room(event.SubmissionID)] {
		members = append(members, sub)
	}
	h.mu.RUnlock()

	for _, sub := range members {
		if sub.enqueue(frame) {
			continue
		}
		logger.Warn(ctx, "dropping slow progress subscriber",
			zap.String("submission_id", event.SubmissionID),
			zap.String("subscriber", sub.UserID),
		)
		h.Remove(sub)
		sub.Close()
	}
	return nil
}

var _ Broadcaster = (*Hub)(nil)
