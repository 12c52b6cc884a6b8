package store

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore implements KVStore in process memory. It backs local
// development and tests; production endpoints use RedisStore.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]memoryItem
	zsets map[string]map[string]float64
	sets  map[string]map[string]struct{}
	now   func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]memoryItem),
		zsets: make(map[string]map[string]float64),
		sets:  make(map[string]map[string]struct{}),
		now:   time.Now,
	}
}

// SetClock overrides the store's clock, for tests
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) expired(item memoryItem) bool {
	return !item.expiresAt.IsZero() && m.now().After(item.expiresAt)
}

// Get retrieves a value
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, exists := m.data[key]
	if !exists || m.expired(item) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

// Set stores a value with TTL
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = item
	return nil
}

// SetNX stores a value only if the key is absent
func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, exists := m.data[key]; exists && !m.expired(item) {
		return false, nil
	}
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = item
	return true, nil
}

// Delete removes keys
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

// Scan returns up to limit keys matching pattern
func (m *MemoryStore) Scan(ctx context.Context, pattern string, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	for key, item := range m.data {
		if m.expired(item) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if int64(len(keys)) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// KeyCount returns the number of live keys
func (m *MemoryStore) KeyCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, item := range m.data {
		if !m.expired(item) {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// ZAdd adds a member to an ordered set
func (m *MemoryStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zset, exists := m.zsets[key]
	if !exists {
		zset = make(map[string]float64)
		m.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

// ZRem removes members from an ordered set and returns how many were
// actually present
func (m *MemoryStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	zset := m.zsets[key]
	var removed int64
	for _, member := range members {
		if _, exists := zset[member]; exists {
			delete(zset, member)
			removed++
		}
	}
	return removed, nil
}

// ZRevRangeWithScores returns members ordered by descending score
func (m *MemoryStore) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]ScoredMember, 0, len(m.zsets[key]))
	for member, score := range m.zsets[key] {
		members = append(members, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score > members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	if start >= int64(len(members)) {
		return nil, nil
	}
	if stop < 0 || stop >= int64(len(members)) {
		stop = int64(len(members)) - 1
	}
	return members[start : stop+1], nil
}

// ZCount counts members with scores in the given range. Bounds follow
// Redis syntax: plain numbers are inclusive, a "(" prefix is exclusive,
// and -inf/+inf are open ends.
func (m *MemoryStore) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, loExcl := parseScoreBound(min, false)
	hi, hiExcl := parseScoreBound(max, true)
	var n int64
	for _, score := range m.zsets[key] {
		if score < lo || (loExcl && score == lo) {
			continue
		}
		if score > hi || (hiExcl && score == hi) {
			continue
		}
		n++
	}
	return n, nil
}

// ZCard returns the ordered set cardinality
func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

// SAdd adds members to a set
func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, exists := m.sets[key]
	if !exists {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

// SMembers returns all members of a set
func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// SRem removes members from a set
func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

// Incr increments an integer value stored at key, as Redis INCR does:
// an existing expiry is preserved
func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		n         int64
		expiresAt time.Time
	)
	if item, exists := m.data[key]; exists && !m.expired(item) {
		parsed, err := strconv.ParseInt(string(item.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
		expiresAt = item.expiresAt
	}
	n++
	m.data[key] = memoryItem{value: []byte(strconv.FormatInt(n, 10)), expiresAt: expiresAt}
	return n, nil
}

// Expire sets a fresh TTL on an existing key
func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, exists := m.data[key]
	if !exists || m.expired(item) {
		return nil
	}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	} else {
		item.expiresAt = time.Time{}
	}
	m.data[key] = item
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

func parseScoreBound(bound string, upper bool) (value float64, exclusive bool) {
	switch bound {
	case "-inf":
		return -1e308, false
	case "+inf", "inf":
		return 1e308, false
	}
	if len(bound) > 0 && bound[0] == '(' {
		exclusive = true
		bound = bound[1:]
	}
	f, err := strconv.ParseFloat(bound, 64)
	if err != nil {
		if upper {
			return 1e308, false
		}
		return -1e308, false
	}
	return f, exclusive
}
