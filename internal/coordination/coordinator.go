package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/model"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/store"
)

const (
	leaseKey         = "notify:coord:leader"
	pendingSetKey    = "notify:coord:pending"
	pendingKeyPrefix = "notify:coord:update:"
	changeSetKey     = "notify:coord:changes"
	changeSeqKey     = "notify:coord:changes:seq"
	filterSetKey     = "notify:coord:filters"
	filterKeyPrefix  = "notify:coord:filter:"

	// pendingTTL bounds how long an uncollected contribution survives
	pendingTTL = 10 * time.Minute
	// filterTTL bounds how long a published filter snapshot survives
	filterTTL = 5 * time.Minute
)

// Applier receives change-set entries to apply to the local cache tier
type Applier func(update model.CacheUpdate)

// Options configures the coordinator's intervals
type Options struct {
	ElectionInterval time.Duration
	LeaseTTL         time.Duration
	ChangeSetTTL     time.Duration
}

// Coordinator elects a single leader among running instances via an
// expiring lease and propagates cache updates: any instance
// contributes updates to a shared pending set, the leader collects
// them into one published change-set per cycle, and followers poll and
// apply it.
type Coordinator struct {
	kv         store.KVStore
	instanceID string
	opts       Options
	applier    Applier
	logger     *zap.Logger

	mu       sync.Mutex
	isLeader bool
	lastSeq  int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a coordinator for this instance
func New(kv store.KVStore, instanceID string, opts Options, applier Applier, logger *zap.Logger) *Coordinator {
	if opts.ElectionInterval <= 0 {
		opts.ElectionInterval = 15 * time.Second
	}
	if opts.LeaseTTL <= opts.ElectionInterval {
		opts.LeaseTTL = 3 * opts.ElectionInterval
	}
	if opts.ChangeSetTTL <= 0 {
		opts.ChangeSetTTL = 2 * time.Minute
	}
	return &Coordinator{
		kv:         kv,
		instanceID: instanceID,
		opts:       opts,
		applier:    applier,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the election/propagation loop
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop signals the loop and waits for it to exit
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// IsLeader reports whether this instance held the lease last cycle
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.ElectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.ElectionInterval)
			if err := c.RunCycle(ctx); err != nil {
				c.logger.Error("Coordination cycle failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// RunCycle performs one election attempt followed by the leader or
// follower duties for this cycle
func (c *Coordinator) RunCycle(ctx context.Context) error {
	leader, err := c.tryAcquireLease(ctx)
	if err != nil {
		return fmt.Errorf("lease acquisition failed: %w", err)
	}

	c.mu.Lock()
	wasLeader := c.isLeader
	c.isLeader = leader
	c.mu.Unlock()

	if leader != wasLeader {
		c.logger.Info("Coordination role changed",
			zap.String("instance_id", c.instanceID),
			zap.Bool("leader", leader))
	}

	if leader {
		return c.leaderCycle(ctx)
	}
	return c.followerCycle(ctx)
}

// tryAcquireLease atomically claims the lease if absent, or refreshes
// it if this instance already holds it. Losing is not an error.
func (c *Coordinator) tryAcquireLease(ctx context.Context) (bool, error) {
	acquired, err := c.kv.SetNX(ctx, leaseKey, []byte(c.instanceID), c.opts.LeaseTTL)
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}

	holder, err := c.kv.Get(ctx, leaseKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil // lease expired between SetNX and Get; next cycle wins it
		}
		return false, err
	}
	if string(holder) != c.instanceID {
		return false, nil
	}

	// Refresh our own lease
	if err := c.kv.Set(ctx, leaseKey, []byte(c.instanceID), c.opts.LeaseTTL); err != nil {
		return false, err
	}
	return true, nil
}

// leaderCycle collects pending contributions from every instance,
// publishes them as one change-set, and clears the pending set
func (c *Coordinator) leaderCycle(ctx context.Context) error {
	members, err := c.kv.SMembers(ctx, pendingSetKey)
	if err != nil {
		return fmt.Errorf("failed to list pending updates: %w", err)
	}
	if len(members) == 0 {
		return c.followerCycle(ctx) // still apply change-sets others published
	}

	updates := make([]model.CacheUpdate, 0, len(members))
	collected := make([]string, 0, len(members))
	for _, member := range members {
		data, err := c.kv.Get(ctx, pendingKeyPrefix+member)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				collected = append(collected, member) // expired, drop from the set
				continue
			}
			c.logger.Warn("Failed to load pending update",
				zap.String("member", member),
				zap.Error(err))
			continue
		}
		var update model.CacheUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			c.logger.Warn("Dropping undecodable pending update",
				zap.String("member", member),
				zap.Error(err))
			collected = append(collected, member)
			continue
		}
		updates = append(updates, update)
		collected = append(collected, member)
	}

	seq, err := c.kv.Incr(ctx, changeSeqKey)
	if err != nil {
		return fmt.Errorf("failed to advance change sequence: %w", err)
	}

	changeSet := model.ChangeSet{
		Sequence:    seq,
		LeaderID:    c.instanceID,
		Updates:     updates,
		PublishedAt: time.Now(),
	}
	data, err := json.Marshal(&changeSet)
	if err != nil {
		return fmt.Errorf("failed to encode change set: %w", err)
	}
	if err := c.kv.Set(ctx, changeSetKey, data, c.opts.ChangeSetTTL); err != nil {
		return fmt.Errorf("failed to publish change set: %w", err)
	}

	// Clear collected contributions
	if err := c.kv.SRem(ctx, pendingSetKey, collected...); err != nil {
		c.logger.Warn("Failed to clear pending set", zap.Error(err))
	}
	keys := make([]string, len(collected))
	for i, member := range collected {
		keys[i] = pendingKeyPrefix + member
	}
	if err := c.kv.Delete(ctx, keys...); err != nil {
		c.logger.Warn("Failed to delete collected updates", zap.Error(err))
	}

	c.applyChangeSet(&changeSet)

	c.logger.Info("Published change set",
		zap.Int64("sequence", seq),
		zap.Int("updates", len(updates)))
	return nil
}

// followerCycle polls the latest change-set and applies unseen entries
func (c *Coordinator) followerCycle(ctx context.Context) error {
	data, err := c.kv.Get(ctx, changeSetKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to poll change set: %w", err)
	}

	var changeSet model.ChangeSet
	if err := json.Unmarshal(data, &changeSet); err != nil {
		return fmt.Errorf("failed to decode change set: %w", err)
	}
	c.applyChangeSet(&changeSet)
	return nil
}

// applyChangeSet applies a change-set at most once, skipping entries
// this instance contributed (they were applied locally at write time)
func (c *Coordinator) applyChangeSet(changeSet *model.ChangeSet) {
	c.mu.Lock()
	if changeSet.Sequence <= c.lastSeq {
		c.mu.Unlock()
		return
	}
	c.lastSeq = changeSet.Sequence
	c.mu.Unlock()

	if c.applier == nil {
		return
	}
	for _, update := range changeSet.Updates {
		if update.Source == c.instanceID {
			continue
		}
		c.applier(update)
	}
}

// SubmitUpdate contributes a cache update for the next leader cycle.
// Any instance, leader or follower, may contribute.
func (c *Coordinator) SubmitUpdate(ctx context.Context, op model.UpdateOp, key string, value []byte, ttl time.Duration) error {
	update := model.CacheUpdate{
		Op:        op,
		Key:       key,
		Value:     value,
		TTL:       ttl,
		Source:    c.instanceID,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(&update)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}

	member := c.instanceID + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := c.kv.Set(ctx, pendingKeyPrefix+member, data, pendingTTL); err != nil {
		return fmt.Errorf("failed to store pending update: %w", err)
	}
	if err := c.kv.SAdd(ctx, pendingSetKey, member); err != nil {
		return fmt.Errorf("failed to index pending update: %w", err)
	}
	return nil
}

// PublishFilter publishes this instance's filter snapshot for merging
func (c *Coordinator) PublishFilter(ctx context.Context, snapshot []byte) error {
	if err := c.kv.Set(ctx, filterKeyPrefix+c.instanceID, snapshot, filterTTL); err != nil {
		return fmt.Errorf("failed to publish filter snapshot: %w", err)
	}
	return c.kv.SAdd(ctx, filterSetKey, c.instanceID)
}

// CollectFilters returns filter snapshots published by other instances
func (c *Coordinator) CollectFilters(ctx context.Context) ([][]byte, error) {
	members, err := c.kv.SMembers(ctx, filterSetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list filter publishers: %w", err)
	}

	snapshots := make([][]byte, 0, len(members))
	for _, member := range members {
		if member == c.instanceID {
			continue
		}
		data, err := c.kv.Get(ctx, filterKeyPrefix+member)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // snapshot expired; publisher may be gone
			}
			return nil, err
		}
		snapshots = append(snapshots, data)
	}
	return snapshots, nil
}
