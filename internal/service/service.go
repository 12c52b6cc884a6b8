package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/metrics"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/model"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/queue"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/ratelimit"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/store"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/writethrough"
)

// ErrAdmissionDenied indicates the admission controller rejected a request
var ErrAdmissionDenied = errors.New("request rejected by admission control")

// ErrInvalidRecord indicates a submitted notification failed validation
var ErrInvalidRecord = errors.New("invalid notification record")

// UpdatePropagator contributes cache updates to the cross-instance
// change-set. A nil propagator keeps changes local.
type UpdatePropagator interface {
	SubmitUpdate(ctx context.Context, op model.UpdateOp, key string, value []byte, ttl time.Duration) error
}

// Options configures the notification service
type Options struct {
	BatchSize    int
	PollWait     time.Duration
	CacheTTL     time.Duration
	StatsEmitter time.Duration
}

// NotificationService is the delivery pipeline entry point. Producers
// enqueue notifications through it; a background worker drains the
// priority queue in batches and pushes each record through the
// write-through tier.
type NotificationService struct {
	queue      *queue.PriorityQueue
	tier       *writethrough.Manager
	admission  *ratelimit.Controller
	propagator UpdatePropagator
	durable    store.DurableStore
	collector  *metrics.Collector
	opts       Options
	logger     *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the notification service. collector may be nil when
// metrics are disabled.
func New(q *queue.PriorityQueue, tier *writethrough.Manager, admission *ratelimit.Controller, propagator UpdatePropagator, durable store.DurableStore, collector *metrics.Collector, opts Options, logger *zap.Logger) *NotificationService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.PollWait <= 0 {
		opts.PollWait = time.Second
	}
	if opts.StatsEmitter <= 0 {
		opts.StatsEmitter = 30 * time.Second
	}
	return &NotificationService{
		queue:      q,
		tier:       tier,
		admission:  admission,
		propagator: propagator,
		durable:    durable,
		collector:  collector,
		opts:       opts,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the queue worker and stats emission loops
func (s *NotificationService) Start() {
	s.wg.Add(2)
	go s.workerLoop()
	go s.statsLoop()
}

// Stop signals the loops and waits for in-flight batches
func (s *NotificationService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// EnqueueNotification validates, admits, and queues one notification.
// The record's ID is assigned when absent and returned either way.
func (s *NotificationService) EnqueueNotification(ctx context.Context, record *model.NotificationRecord) (string, error) {
	if record == nil || len(record.Payload) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidRecord)
	}
	if record.Priority == "" {
		record.Priority = model.PriorityNormal
	}
	if !record.Priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidRecord, record.Priority)
	}
	if record.Type == "" {
		record.Type = model.TypeOther
	}

	if !s.admit(ctx, record.UserID) {
		return "", ErrAdmissionDenied
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	start := time.Now()
	if err := s.queue.Enqueue(ctx, record); err != nil {
		s.sample(start, true)
		return "", fmt.Errorf("failed to enqueue notification: %w", err)
	}
	s.sample(start, false)

	if s.collector != nil {
		s.collector.NotificationsEnqueued.WithLabelValues(string(record.Priority)).Inc()
	}
	s.appendEvent(ctx, "notification.enqueued", map[string]interface{}{
		"record_id": record.ID,
		"priority":  string(record.Priority),
		"type":      string(record.Type),
	})
	return record.ID, nil
}

// GetNotification reads one notification through the cache tiers
func (s *NotificationService) GetNotification(ctx context.Context, id, requester string) (*model.NotificationRecord, error) {
	if !s.admit(ctx, requester) {
		return nil, ErrAdmissionDenied
	}

	start := time.Now()
	data, err := s.tier.Get(ctx, id)
	if err != nil {
		s.sample(start, !errors.Is(err, store.ErrNotFound))
		return nil, err
	}
	s.sample(start, false)
	return model.DecodeNotificationRecord(data)
}

// DeleteNotification removes one notification from every tier and
// propagates the removal to peer instances
func (s *NotificationService) DeleteNotification(ctx context.Context, id, requester string) error {
	if !s.admit(ctx, requester) {
		return ErrAdmissionDenied
	}

	if err := s.tier.Delete(ctx, id); err != nil {
		return err
	}
	if s.propagator != nil {
		if err := s.propagator.SubmitUpdate(ctx, model.UpdateOpDelete, id, nil, 0); err != nil {
			s.logger.Warn("Failed to propagate deletion",
				zap.String("record_id", id),
				zap.Error(err))
		}
	}
	s.appendEvent(ctx, "notification.deleted", map[string]interface{}{"record_id": id})
	return nil
}

// QueueDepth reports the total number of queued notifications
func (s *NotificationService) QueueDepth(ctx context.Context) (int64, error) {
	return s.queue.Depth(ctx)
}

// admit consults the global profile, then the per-user profile when a
// user key is present
func (s *NotificationService) admit(ctx context.Context, userKey string) bool {
	if s.admission == nil {
		return true
	}
	if !s.admission.Allow("global", "global") {
		s.denied("global")
		return false
	}
	if userKey != "" && !s.admission.Allow("user", userKey) {
		s.denied("user")
		return false
	}
	return true
}

func (s *NotificationService) denied(profile string) {
	if s.collector != nil {
		s.collector.AdmissionDenials.WithLabelValues(profile).Inc()
	}
}

// sample feeds one operation outcome into the admission controller
func (s *NotificationService) sample(start time.Time, failed bool) {
	latency := time.Since(start)
	if s.admission != nil {
		s.admission.RecordSample(latency, failed)
	}
	if s.collector != nil {
		s.collector.RequestLatency.Observe(latency.Seconds())
	}
}

func (s *NotificationService) appendEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.durable == nil {
		return
	}
	event := &model.Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		Version:   1,
	}
	if err := s.durable.AppendEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to append audit event",
			zap.String("type", eventType),
			zap.Error(err))
	}
}

func (s *NotificationService) workerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PollWait)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.PollWait*2)
			if err := s.ProcessBatch(ctx); err != nil {
				s.logger.Error("Queue batch processing failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// ProcessBatch drains up to BatchSize entries from the queue and pushes
// each record through the write-through tier. Failed entries requeue
// with a score penalty.
func (s *NotificationService) ProcessBatch(ctx context.Context) error {
	entries, err := s.queue.DequeueBatch(ctx, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to dequeue batch: %w", err)
	}

	for _, entry := range entries {
		if s.collector != nil {
			s.collector.NotificationsDequeued.Inc()
		}
		if err := s.processEntry(ctx, entry); err != nil {
			s.logger.Warn("Notification processing failed",
				zap.String("record_id", entry.Key),
				zap.Error(err))
			if s.collector != nil {
				s.collector.NotificationsFailed.Inc()
			}
			if err := s.queue.RequeueWithPenalty(ctx, entry); err != nil {
				s.logger.Error("Failed to requeue notification",
					zap.String("record_id", entry.Key),
					zap.Error(err))
			}
		}
	}
	return nil
}

func (s *NotificationService) processEntry(ctx context.Context, entry *model.QueueEntry) error {
	record, err := s.queue.Record(ctx, entry.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Record TTL expired while queued; nothing left to deliver
			s.logger.Debug("Dropping queue entry with expired record",
				zap.String("record_id", entry.Key))
			return nil
		}
		return fmt.Errorf("failed to load record: %w", err)
	}

	data, err := record.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	ttl := record.TTL
	if ttl <= 0 {
		ttl = s.opts.CacheTTL
	}
	if err := s.tier.Set(ctx, record.ID, data, ttl); err != nil {
		return err
	}

	if s.propagator != nil {
		if err := s.propagator.SubmitUpdate(ctx, model.UpdateOpSet, record.ID, data, ttl); err != nil {
			s.logger.Warn("Failed to propagate update",
				zap.String("record_id", record.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (s *NotificationService) statsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.StatsEmitter)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.EmitStats(ctx)
			cancel()
		}
	}
}

// EmitStats pushes current queue, cache, and admission gauges
func (s *NotificationService) EmitStats(ctx context.Context) {
	if s.collector == nil {
		return
	}

	if depths, err := s.queue.DepthByPriority(ctx); err == nil {
		for priority, depth := range depths {
			s.collector.QueueDepth.WithLabelValues(string(priority)).Set(float64(depth))
		}
	} else {
		s.logger.Warn("Failed to read queue depth", zap.Error(err))
	}

	stats := s.tier.CacheStats()
	s.collector.CacheHits.Set(float64(stats.Hits))
	s.collector.CacheMisses.Set(float64(stats.Misses))
	s.collector.CacheEntries.Set(float64(stats.Entries))
	s.collector.CacheEvictions.Set(float64(stats.Evictions))
	s.collector.CacheSavedBytes.Set(float64(stats.CompressedSaved))
	s.collector.CacheWarmedKeys.Set(float64(stats.WarmedKeys))

	exists, deleted := s.tier.FilterBits()
	s.collector.FilterBitsSet.WithLabelValues("exists").Set(float64(exists))
	s.collector.FilterBitsSet.WithLabelValues("deleted").Set(float64(deleted))
	s.collector.PendingWrites.Set(float64(s.tier.PendingWrites()))

	if s.admission != nil {
		s.collector.AdmissionFactor.Set(s.admission.Adjustment())
		for _, profile := range []string{"user", "ip", "global"} {
			if rate := s.admission.Rate(profile); rate > 0 {
				s.collector.AdmissionRate.WithLabelValues(profile).Set(rate)
			}
		}
	}
}
