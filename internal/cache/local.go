package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"
)

// Loader fetches a value for predictive warming when it is not cached
type Loader func(ctx context.Context, key string) ([]byte, error)

// Options configures the local cache tier
type Options struct {
	MaxEntries           int
	DefaultTTL           time.Duration
	CompressionThreshold int
	AccessWindow         time.Duration
	HotAccessRate        float64
}

// Stats is a point-in-time view of cache counters
type Stats struct {
	Entries         int
	Hits            uint64
	Misses          uint64
	Evictions       uint64
	CompressedSaved uint64
	WarmedKeys      uint64
}

type entry struct {
	key        string
	value      []byte
	compressed bool
	expiresAt  time.Time
	element    *list.Element
}

// relationHints are the payload fields inspected for predictive warming
type relationHints struct {
	RelatedIDs []string `json:"related_ids"`
	ThreadID   string   `json:"thread_id"`
	UserID     string   `json:"user_id"`
	Payload    struct {
		RelatedIDs []string `json:"related_ids"`
	} `json:"payload"`
}

// LocalCache is the per-process cache tier: bounded LRU with batch
// eviction, snappy compression for large values, access-pattern
// tracking, and predictive warming of related hot keys.
type LocalCache struct {
	opts   Options
	loader Loader
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	tracker *accessTracker

	hits      uint64
	misses    uint64
	evictions uint64
	saved     uint64
	warmed    uint64

	now func() time.Time
}

// NewLocalCache creates a local cache tier. loader may be nil to
// disable predictive warming.
func NewLocalCache(opts Options, loader Loader, logger *zap.Logger) *LocalCache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.AccessWindow <= 0 {
		opts.AccessWindow = 5 * time.Minute
	}
	if opts.HotAccessRate <= 0 {
		opts.HotAccessRate = 0.1
	}
	return &LocalCache{
		opts:    opts,
		loader:  loader,
		logger:  logger,
		entries: make(map[string]*entry),
		lru:     list.New(),
		tracker: newAccessTracker(opts.AccessWindow),
		now:     time.Now,
	}
}

// Get returns the cached value for key, or ok=false on a miss.
// A value that fails decompression is treated as a miss and dropped.
func (c *LocalCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	e, exists := c.entries[key]
	if !exists || c.now().After(e.expiresAt) {
		if exists {
			c.removeLocked(e)
		}
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	c.lru.MoveToFront(e.element)
	value, compressed := e.value, e.compressed
	c.hits++
	c.mu.Unlock()

	c.tracker.record(key, c.now())

	if !compressed {
		return value, true
	}
	decoded, err := snappy.Decode(nil, value)
	if err != nil {
		c.logger.Warn("Dropping corrupt cached value",
			zap.String("key", key),
			zap.Error(err))
		c.Delete(key)
		c.mu.Lock()
		c.misses++
		c.hits--
		c.mu.Unlock()
		return nil, false
	}
	return decoded, true
}

// Put stores a value, evicting least-recently-used entries in a batch
// when the cache is full, then warms related hot keys.
func (c *LocalCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	stored := value
	compressed := false
	if c.opts.CompressionThreshold > 0 && len(value) >= c.opts.CompressionThreshold {
		if encoded := snappy.Encode(nil, value); len(encoded) < len(value) {
			c.mu.Lock()
			c.saved += uint64(len(value) - len(encoded))
			c.mu.Unlock()
			stored = encoded
			compressed = true
		}
	}

	c.mu.Lock()
	if e, exists := c.entries[key]; exists {
		e.value = stored
		e.compressed = compressed
		e.expiresAt = c.now().Add(ttl)
		c.lru.MoveToFront(e.element)
		c.mu.Unlock()
	} else {
		if len(c.entries) >= c.opts.MaxEntries {
			c.evictBatchLocked()
		}
		e := &entry{
			key:        key,
			value:      stored,
			compressed: compressed,
			expiresAt:  c.now().Add(ttl),
		}
		e.element = c.lru.PushFront(e)
		c.entries[key] = e
		c.mu.Unlock()
	}

	c.warmRelated(ctx, key, value, ttl)
}

// Delete removes a key
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, exists := c.entries[key]; exists {
		c.removeLocked(e)
	}
}

// Contains reports whether key is cached without touching LRU order
func (c *LocalCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.entries[key]
	return exists && !c.now().After(e.expiresAt)
}

// Stats returns current counters
func (c *LocalCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:         len(c.entries),
		Hits:            c.hits,
		Misses:          c.misses,
		Evictions:       c.evictions,
		CompressedSaved: c.saved,
		WarmedKeys:      c.warmed,
	}
}

// evictBatchLocked removes ~1% of capacity from the LRU tail
func (c *LocalCache) evictBatchLocked() {
	batch := c.opts.MaxEntries / 100
	if batch < 1 {
		batch = 1
	}
	for i := 0; i < batch; i++ {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeLocked(back.Value.(*entry))
		c.evictions++
	}
}

// removeLocked drops an entry; callers hold c.mu
func (c *LocalCache) removeLocked(e *entry) {
	c.lru.Remove(e.element)
	delete(c.entries, e.key)
}

// warmRelated fetches related keys that are hot but not cached.
// Fetches run in a goroutine so Put never blocks on the loader.
func (c *LocalCache) warmRelated(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.loader == nil {
		return
	}

	var hints relationHints
	if err := json.Unmarshal(value, &hints); err != nil {
		return
	}
	related := append([]string{}, hints.RelatedIDs...)
	related = append(related, hints.Payload.RelatedIDs...)
	if len(related) == 0 {
		return
	}

	candidates := make([]string, 0, len(related))
	for _, id := range related {
		if id == "" || id == key || c.Contains(id) {
			continue
		}
		if c.tracker.frequency(id, c.now()) >= c.opts.HotAccessRate {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return
	}

	go func() {
		for _, id := range candidates {
			data, err := c.loader(ctx, id)
			if err != nil {
				c.logger.Debug("Predictive warm fetch failed",
					zap.String("key", id),
					zap.Error(err))
				continue
			}
			c.putWarm(id, data, ttl)
		}
	}()
}

// putWarm inserts a warmed value without triggering further warming
func (c *LocalCache) putWarm(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return
	}
	if len(c.entries) >= c.opts.MaxEntries {
		c.evictBatchLocked()
	}
	e := &entry{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	e.element = c.lru.PushFront(e)
	c.entries[key] = e
	c.warmed++
}
