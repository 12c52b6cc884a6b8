package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/model"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/store"
)

const (
	queueKey          = "notify:queue"
	recordKeyPrefix   = "notify:record:"
	attemptsKeyPrefix = "notify:attempts:"

	// recencyHorizon is the age at which the recency bonus reaches zero
	recencyHorizon = 24 * time.Hour
)

// DeadLetterFunc receives entries that exhausted their retries
type DeadLetterFunc func(ctx context.Context, record *model.NotificationRecord, attempts int, reason string) error

// Options configures the priority queue
type Options struct {
	RecordTTL   time.Duration
	MaxAttempts int
	DecayFactor float64
}

// PriorityQueue orders pending notifications by score in a remote
// ordered set. Scores combine priority weight, type multiplier, and a
// recency bonus; failed processing attempts decay the score so a
// poison record cannot starve the queue.
type PriorityQueue struct {
	kv         store.KVStore
	opts       Options
	deadLetter DeadLetterFunc
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a priority queue over the given KV store
func New(kv store.KVStore, opts Options, deadLetter DeadLetterFunc, logger *zap.Logger) *PriorityQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.DecayFactor <= 0 || opts.DecayFactor >= 1 {
		opts.DecayFactor = 0.8
	}
	return &PriorityQueue{
		kv:         kv,
		opts:       opts,
		deadLetter: deadLetter,
		logger:     logger,
		now:        time.Now,
	}
}

// Score computes the queue score for a record at time now:
// priority weight × type multiplier + recency bonus in [0, 1]
func Score(record *model.NotificationRecord, now time.Time) float64 {
	base := record.Priority.Weight() * record.Type.Multiplier()

	age := now.Sub(record.CreatedAt)
	bonus := 1 - float64(age)/float64(recencyHorizon)
	if bonus < 0 {
		bonus = 0
	}
	if bonus > 1 {
		bonus = 1
	}
	return base + bonus
}

// Enqueue stores the record and inserts it into the ordered set
func (q *PriorityQueue) Enqueue(ctx context.Context, record *model.NotificationRecord) error {
	if record.ID == "" {
		return fmt.Errorf("record has no ID")
	}

	data, err := record.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", record.ID, err)
	}

	ttl := record.TTL
	if ttl <= 0 {
		ttl = q.opts.RecordTTL
	}
	if err := q.kv.Set(ctx, recordKeyPrefix+record.ID, data, ttl); err != nil {
		return fmt.Errorf("failed to store record %s: %w", record.ID, err)
	}

	score := Score(record, q.now())
	if err := q.kv.ZAdd(ctx, queueKey, record.ID, score); err != nil {
		return fmt.Errorf("failed to enqueue record %s: %w", record.ID, err)
	}

	q.logger.Debug("Enqueued notification",
		zap.String("record_id", record.ID),
		zap.String("priority", string(record.Priority)),
		zap.Float64("score", score))
	return nil
}

// DequeueBatch removes and returns up to n highest-score entries
func (q *PriorityQueue) DequeueBatch(ctx context.Context, n int) ([]*model.QueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}

	members, err := q.kv.ZRevRangeWithScores(ctx, queueKey, 0, int64(n)-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}

	entries := make([]*model.QueueEntry, 0, len(members))
	for _, m := range members {
		removed, err := q.kv.ZRem(ctx, queueKey, m.Member)
		if err != nil {
			q.logger.Warn("Failed to remove dequeued entry",
				zap.String("record_id", m.Member),
				zap.Error(err))
			continue
		}
		if removed == 0 {
			// Another instance claimed this entry between the range
			// read and the removal
			continue
		}
		entries = append(entries, &model.QueueEntry{Key: m.Member, Score: m.Score})
	}
	return entries, nil
}

// attemptsTTL is the lifetime of an attempt counter: the record's own
// retention when configured, the recency horizon otherwise
func (q *PriorityQueue) attemptsTTL() time.Duration {
	if q.opts.RecordTTL > 0 {
		return q.opts.RecordTTL
	}
	return recencyHorizon
}

// Record loads the notification record backing a queue entry
func (q *PriorityQueue) Record(ctx context.Context, recordID string) (*model.NotificationRecord, error) {
	data, err := q.kv.Get(ctx, recordKeyPrefix+recordID)
	if err != nil {
		return nil, err
	}
	return model.DecodeNotificationRecord(data)
}

// RequeueWithPenalty reinserts a failed entry with its score decayed.
// After MaxAttempts failures the entry moves to the dead-letter path
// and is dropped from the queue.
func (q *PriorityQueue) RequeueWithPenalty(ctx context.Context, entry *model.QueueEntry) error {
	attempts, err := q.kv.Incr(ctx, attemptsKeyPrefix+entry.Key)
	if err != nil {
		return fmt.Errorf("failed to count attempts for %s: %w", entry.Key, err)
	}
	// Bound the counter's lifetime so an entry that eventually succeeds
	// does not leave its attempt count behind forever
	if err := q.kv.Expire(ctx, attemptsKeyPrefix+entry.Key, q.attemptsTTL()); err != nil {
		q.logger.Warn("Failed to bound attempt counter",
			zap.String("record_id", entry.Key),
			zap.Error(err))
	}

	if int(attempts) >= q.opts.MaxAttempts {
		return q.moveToDeadLetter(ctx, entry, int(attempts))
	}

	decayed := entry.Score * q.opts.DecayFactor
	if err := q.kv.ZAdd(ctx, queueKey, entry.Key, decayed); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", entry.Key, err)
	}

	q.logger.Info("Requeued notification with penalty",
		zap.String("record_id", entry.Key),
		zap.Int64("attempts", attempts),
		zap.Float64("score", decayed))
	return nil
}

func (q *PriorityQueue) moveToDeadLetter(ctx context.Context, entry *model.QueueEntry, attempts int) error {
	record, err := q.Record(ctx, entry.Key)
	if err != nil {
		q.logger.Error("Dead-lettering entry with unreadable record",
			zap.String("record_id", entry.Key),
			zap.Error(err))
		record = &model.NotificationRecord{ID: entry.Key}
	}

	if q.deadLetter != nil {
		if err := q.deadLetter(ctx, record, attempts, "max processing attempts exceeded"); err != nil {
			return fmt.Errorf("failed to dead-letter %s: %w", entry.Key, err)
		}
	}

	_, _ = q.kv.ZRem(ctx, queueKey, entry.Key)
	_ = q.kv.Delete(ctx, recordKeyPrefix+entry.Key, attemptsKeyPrefix+entry.Key)

	q.logger.Warn("Moved notification to dead letter",
		zap.String("record_id", entry.Key),
		zap.Int("attempts", attempts))
	return nil
}

// Depth returns the total number of queued entries
func (q *PriorityQueue) Depth(ctx context.Context) (int64, error) {
	return q.kv.ZCard(ctx, queueKey)
}

// DepthByPriority returns queue depth per priority class, derived from
// the score bands the weights produce
func (q *PriorityQueue) DepthByPriority(ctx context.Context) (map[model.Priority]int64, error) {
	bands := []struct {
		priority model.Priority
		min, max string
	}{
		{model.PriorityLow, "0", "(10"},
		{model.PriorityNormal, "10", "(100"},
		{model.PriorityHigh, "100", "(1000"},
		{model.PriorityUrgent, "1000", "+inf"},
	}

	depths := make(map[model.Priority]int64, len(bands))
	for _, band := range bands {
		n, err := q.kv.ZCount(ctx, queueKey, band.min, band.max)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s band: %w", band.priority, err)
		}
		depths[band.priority] = n
	}
	return depths, nil
}
