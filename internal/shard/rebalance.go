package shard

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// rebalanceLoop periodically checks shard load skew and migrates keys
// from the most loaded shard to the least loaded one
func (r *Router) rebalanceLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.RebalanceInterval/2)
			if err := r.RebalanceOnce(ctx); err != nil {
				r.logger.Error("Rebalance pass failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// RebalanceOnce runs a single rebalance pass. The pass is skipped when
// load skew is below the configured ratio or another instance holds the
// rebalance gate. Migration is capped at MaxKeysPerPass with a pause
// between keys so a persistently skewed cluster cannot trigger a
// migration storm.
func (r *Router) RebalanceOnce(ctx context.Context) error {
	if len(r.shards) < 2 {
		return nil
	}

	scores := r.LoadScores()
	hot, cool := 0, 0
	for i, score := range scores {
		if score > scores[hot] {
			hot = i
		}
		if score < scores[cool] {
			cool = i
		}
	}
	if hot == cool {
		return nil
	}
	minScore := scores[cool]
	if minScore <= 0 {
		minScore = 0.01
	}
	if scores[hot]/minScore <= r.opts.RebalanceLoadRatio {
		return nil
	}

	if r.gate != nil {
		acquired, err := r.gate.TryAcquire(ctx)
		if err != nil || !acquired {
			return err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.gate.Release(releaseCtx)
		}()
	}

	hotShard := r.shards[hot]

	total, err := hotShard.Primary.Store.KeyCount(ctx)
	if err != nil {
		return err
	}
	target := int(float64(total) * r.opts.MoveFraction)
	if r.opts.MaxKeysPerPass > 0 && target > r.opts.MaxKeysPerPass {
		target = r.opts.MaxKeysPerPass
	}
	if target == 0 {
		return nil
	}

	keys, err := hotShard.Primary.Store.Scan(ctx, "*", int64(target))
	if err != nil {
		return err
	}

	r.logger.Info("Starting rebalance pass",
		zap.Int("from_shard", hot),
		zap.Int("to_shard", cool),
		zap.Int("keys", len(keys)),
		zap.Float64("hot_load", scores[hot]),
		zap.Float64("cool_load", scores[cool]))

	moved := 0
	for _, key := range keys {
		select {
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if r.Route(key) != hot {
			continue
		}
		if err := r.migrateKey(ctx, key, hot, cool); err != nil {
			r.logger.Warn("Key migration failed",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		moved++

		if r.opts.MigrationDelay > 0 {
			select {
			case <-r.stopCh:
				return nil
			case <-time.After(r.opts.MigrationDelay):
			}
		}
	}

	r.logger.Info("Rebalance pass complete",
		zap.Int("from_shard", hot),
		zap.Int("to_shard", cool),
		zap.Int("moved", moved))
	return nil
}

// migrateKey moves one key: read from the old shard, write under the
// new mapping, then delete the old copy. The override is installed
// before the old copy is deleted so the key is reachable throughout.
func (r *Router) migrateKey(ctx context.Context, key string, from, to int) error {
	value, err := r.readFromShard(ctx, r.shards[from], key)
	if err != nil {
		if err == ErrNotFound {
			return nil // expired or already moved
		}
		return err
	}

	r.overrideMu.Lock()
	r.overrides[key] = to
	r.overrideMu.Unlock()

	if err := r.Write(ctx, key, value, 0); err != nil {
		// Roll the mapping back; the old copy is still in place
		r.overrideMu.Lock()
		delete(r.overrides, key)
		r.overrideMu.Unlock()
		return err
	}

	for _, ep := range append([]*Endpoint{r.shards[from].Primary}, r.shards[from].Replicas...) {
		if !ep.Breaker.Allow() {
			continue
		}
		if err := r.do(ctx, ep, func(c context.Context) error {
			return ep.Store.Delete(c, key)
		}); err != nil {
			r.logger.Warn("Failed to delete migrated key from old shard",
				zap.String("key", key),
				zap.String("endpoint", ep.Name),
				zap.Error(err))
		}
	}
	return nil
}

// readFromShard reads a key from a specific shard regardless of the
// current routing, trying primary then replicas
func (r *Router) readFromShard(ctx context.Context, s *Shard, key string) ([]byte, error) {
	tried := false
	for _, ep := range append([]*Endpoint{s.Primary}, s.Replicas...) {
		if !ep.Breaker.Allow() {
			continue
		}
		tried = true
		var value []byte
		err := r.do(ctx, ep, func(c context.Context) error {
			var getErr error
			value, getErr = ep.Store.Get(c, key)
			return getErr
		})
		if err == nil {
			return value, nil
		}
	}
	if !tried {
		return nil, ErrNoHealthyShard
	}
	return nil, ErrNotFound
}
