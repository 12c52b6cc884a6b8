package shard

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/breaker"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/store"
)

// ErrNoHealthyShard indicates no endpoint could accept the request
var ErrNoHealthyShard = errors.New("no healthy shard available")

// ErrNotFound indicates a key is not present on any reachable endpoint
var ErrNotFound = store.ErrNotFound

// Endpoint is one shard primary or replica with its own breaker
type Endpoint struct {
	Name    string
	Store   store.KVStore
	Breaker *breaker.Breaker
	stats   *loadStats
}

// Shard is one primary endpoint plus its replicas
type Shard struct {
	ID       int
	Primary  *Endpoint
	Replicas []*Endpoint
}

// Options configures the router's timeouts and rebalance policy
type Options struct {
	OperationTimeout    time.Duration
	HealthCheckInterval time.Duration
	RebalanceInterval   time.Duration
	RebalanceLoadRatio  float64
	MoveFraction        float64
	MaxKeysPerPass      int
	MigrationDelay      time.Duration
}

// RebalanceGate serializes rebalance passes across instances.
// A nil gate lets every pass run.
type RebalanceGate interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Router routes keys to shards via hash(key) mod N with per-endpoint
// circuit breaking, replica failover, and periodic load rebalancing.
type Router struct {
	shards []*Shard
	opts   Options
	gate   RebalanceGate
	logger *zap.Logger

	// overrides maps keys migrated off their hash-owned shard.
	// Route always consults the current mapping, so rebalance is safe
	// to run concurrently with reads and writes.
	overrideMu sync.RWMutex
	overrides  map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRouter creates a shard router over the given shards
func NewRouter(shards []*Shard, opts Options, gate RebalanceGate, logger *zap.Logger) *Router {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 2 * time.Second
	}
	for _, s := range shards {
		s.Primary.stats = &loadStats{}
		for _, rep := range s.Replicas {
			rep.stats = &loadStats{}
		}
	}
	return &Router{
		shards:    shards,
		opts:      opts,
		gate:      gate,
		logger:    logger,
		overrides: make(map[string]int),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the health monitor and rebalance loops
func (r *Router) Start() {
	if r.opts.HealthCheckInterval > 0 {
		r.wg.Add(1)
		go r.healthLoop()
	}
	if r.opts.RebalanceInterval > 0 {
		r.wg.Add(1)
		go r.rebalanceLoop()
	}
}

// Stop signals background loops and waits for them to exit
func (r *Router) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Route returns the shard ID owning a key. Pure apart from the
// override table maintained by rebalance.
func (r *Router) Route(key string) int {
	r.overrideMu.RLock()
	id, overridden := r.overrides[key]
	r.overrideMu.RUnlock()
	if overridden {
		return id
	}
	return int(hashKey(key) % uint64(len(r.shards)))
}

// Write stores a value on the owning shard. The primary is preferred;
// if its breaker rejects or the write fails, the first replica whose
// own breaker allows requests takes the write. On success the value is
// fanned out to the remaining endpoints asynchronously, best-effort.
func (r *Router) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s := r.shards[r.Route(key)]

	endpoints := append([]*Endpoint{s.Primary}, s.Replicas...)
	var firstErr error
	for i, ep := range endpoints {
		if !ep.Breaker.Allow() {
			continue
		}
		if err := r.do(ctx, ep, func(c context.Context) error {
			return ep.Store.Set(c, key, value, ttl)
		}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.fanOut(key, value, ttl, endpoints, i)
		return nil
	}

	if firstErr != nil {
		return fmt.Errorf("shard %d write failed: %w", s.ID, firstErr)
	}
	return ErrNoHealthyShard
}

// fanOut replicates a successful write to the other endpoints.
// Failures are logged, never surfaced.
func (r *Router) fanOut(key string, value []byte, ttl time.Duration, endpoints []*Endpoint, written int) {
	g := new(errgroup.Group)
	for i, ep := range endpoints {
		if i == written {
			continue
		}
		ep := ep
		g.Go(func() error {
			if !ep.Breaker.Allow() {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.OperationTimeout)
			defer cancel()
			if err := r.do(ctx, ep, func(c context.Context) error {
				return ep.Store.Set(c, key, value, ttl)
			}); err != nil {
				r.logger.Warn("Replica write failed",
					zap.String("endpoint", ep.Name),
					zap.String("key", key),
					zap.Error(err))
			}
			return nil
		})
	}
	go func() { _ = g.Wait() }()
}

// Read returns the value for a key, trying the primary then each
// replica in order. The first hit wins.
func (r *Router) Read(ctx context.Context, key string) ([]byte, error) {
	s := r.shards[r.Route(key)]

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
		// A miss on one endpoint is not authoritative: a write that
		// failed over may only exist on a later replica.
	}

	if !tried {
		return nil, ErrNoHealthyShard
	}
	return nil, ErrNotFound
}

// Delete removes a key from the primary and all replicas, best-effort
func (r *Router) Delete(ctx context.Context, key string) error {
	s := r.shards[r.Route(key)]

	var lastErr error
	for _, ep := range append([]*Endpoint{s.Primary}, s.Replicas...) {
		if !ep.Breaker.Allow() {
			continue
		}
		if err := r.do(ctx, ep, func(c context.Context) error {
			return ep.Store.Delete(c, key)
		}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// do runs one endpoint operation with the per-call timeout and feeds
// the endpoint's breaker and load stats. A missing key is not a
// failure from the endpoint's point of view.
func (r *Router) do(ctx context.Context, ep *Endpoint, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, r.opts.OperationTimeout)
	defer cancel()

	start := time.Now()
	err := op(opCtx)
	latency := time.Since(start)

	if err != nil && !errors.Is(err, store.ErrNotFound) {
		ep.Breaker.RecordFailure()
		ep.stats.record(latency, true)
		return err
	}

	ep.Breaker.RecordSuccess()
	ep.stats.record(latency, false)
	return err
}

// healthLoop pings every endpoint on a fixed interval. Successes feed
// half-open recovery, failures feed the breaker.
func (r *Router) healthLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.checkHealth()
		}
	}
}

func (r *Router) checkHealth() {
	for _, s := range r.shards {
		for _, ep := range append([]*Endpoint{s.Primary}, s.Replicas...) {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.OperationTimeout)
			err := ep.Store.Ping(ctx)
			cancel()
			if err != nil {
				ep.Breaker.RecordFailure()
				r.logger.Warn("Shard endpoint ping failed",
					zap.String("endpoint", ep.Name),
					zap.Error(err))
				continue
			}
			// Drive open breakers into half-open once the reset
			// timeout has elapsed, then credit the probe.
			ep.Breaker.State()
			ep.Breaker.RecordSuccess()
		}
	}
}

// BreakerSnapshots returns breaker state for every endpoint
func (r *Router) BreakerSnapshots() []breaker.Snapshot {
	var snaps []breaker.Snapshot
	for _, s := range r.shards {
		for _, ep := range append([]*Endpoint{s.Primary}, s.Replicas...) {
			snaps = append(snaps, ep.Breaker.Snapshot())
		}
	}
	return snaps
}

// LoadScores returns the current load score per shard
func (r *Router) LoadScores() []float64 {
	scores := make([]float64, len(r.shards))
	for i, s := range r.shards {
		scores[i] = s.Primary.stats.load()
	}
	return scores
}

// ErrorRates returns the rolling error rate per shard primary
func (r *Router) ErrorRates() []float64 {
	rates := make([]float64, len(r.shards))
	for i, s := range r.shards {
		rates[i] = s.Primary.stats.errorRate()
	}
	return rates
}

// ShardCount returns the number of primary shards
func (r *Router) ShardCount() int {
	return len(r.shards)
}

// hashKey derives a stable uint64 from a key, sha256-based so the
// distribution is uniform regardless of key shape
func hashKey(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}
