package cache

import (
	"context"
	"time"
)

// Cache defines the unified interface for cache operations.
// Business code depends on this interface so tests can run against miniredis
// and production against a real Redis deployment.
type Cache interface {
	BasicOps
	HashOps
	ZSetOps
	ListOps
	LockOps
	PipelineOps
	PubSubOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get returns "" with a nil error when the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair; a zero ttl means no expiry.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist.
	// Returns true if the key was set, false if it already existed
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, keys ...string) (int64, error)
}

// HashOps defines hash (map) operations
type HashOps interface {
	HSet(ctx context.Context, key, field string, value interface{}) error

	// HGet returns "" with a nil error when the field does not exist.
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key string, fields ...string) error
}

// ZSetOps defines sorted set operations
type ZSetOps interface {
	ZAdd(ctx context.Context, key string, members ...ZMember) error

	// ZRem returns how many members were actually removed. Callers racing on
	// the same member use it to decide which of them owns the removal.
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// ZPopMin atomically removes and returns up to count lowest-scored members.
	ZPopMin(ctx context.Context, key string, count int64) ([]ZMember, error)

	// ZRangeByScore returns up to limit members with min <= score <= max in ascending order.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error)

	// ZScore reports ok=false when the member is absent.
	ZScore(ctx context.Context, key, member string) (score float64, ok bool, err error)
	ZCard(ctx context.Context, key string) (int64, error)
}

// ListOps defines list operations
type ListOps interface {
	LPush(ctx context.Context, key string, values ...interface{}) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// LockOps defines distributed lock operations
type LockOps interface {
	// TryLock returns true if the lock was acquired.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// PipelineOps defines pipeline operations for batching commands
type PipelineOps interface {
	// Pipeline runs the queued commands inside MULTI/EXEC.
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner queues commands for a Pipeline call.
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration)
	Del(keys ...string)
	HSet(key, field string, value interface{})
	HDel(key string, fields ...string)
	ZAdd(key string, members ...ZMember)
	ZRem(key string, members ...string)
	LPush(key string, values ...interface{})
	LTrim(key string, start, stop int64)
}

// PubSubOps defines publish/subscribe operations
type PubSubOps interface {
	Publish(ctx context.Context, channel string, payload interface{}) error

	// PSubscribe blocks until the subscription is confirmed by the server.
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)
}

// Subscription delivers messages until Close is called.
type Subscription interface {
	Messages() <-chan PubSubMessage
	Close() error
}

// PubSubMessage is one message received on a subscription.
type PubSubMessage struct {
	Channel string
	Pattern string
	Payload string
}

// ZMember represents a member in a sorted set with its score
type ZMember struct {
	Score  float64
	Member string
}
