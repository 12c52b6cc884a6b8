package store

import (
	"context"
	"errors"
	"time"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/model"
)

// ErrNotFound indicates a key is not present in a store
var ErrNotFound = errors.New("key not found")

// ScoredMember is one member of an ordered set with its score
type ScoredMember struct {
	Member string
	Score  float64
}

// KVStore is the remote key-value cache boundary. One instance wraps a
// single endpoint (a shard primary or replica, or the shared
// coordination database).
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string, limit int64) ([]string, error)
	KeyCount(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error

	// Ordered set operations backing the priority queue. ZRem reports
	// how many members were actually removed so callers can tell a
	// claimed entry from one another instance took first.
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	ZCount(ctx context.Context, key, min, max string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Set operations backing the coordination pending-set
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	// Incr backs the change-set sequence and attempt counters; Expire
	// bounds the lifetime of keys Incr creates
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}

// WriteOpKind distinguishes durable upserts from deletes
type WriteOpKind string

const (
	// WriteOpUpsert persists a notification record
	WriteOpUpsert WriteOpKind = "upsert"
	// WriteOpDelete removes a notification record
	WriteOpDelete WriteOpKind = "delete"
)

// WriteOp is one pending durable-store operation
type WriteOp struct {
	Kind     WriteOpKind
	RecordID string
	Payload  []byte
	Attempts int
}

// DurableStore is the relational persistence boundary. ApplyBatch must
// be transactional and idempotent so a requeued batch is safe to retry.
type DurableStore interface {
	ApplyBatch(ctx context.Context, ops []WriteOp) error
	AppendEvent(ctx context.Context, event *model.Event) error
	InsertDeadLetters(ctx context.Context, letters []model.DeadLetter) error
	Ping(ctx context.Context) error
	Close()
}
