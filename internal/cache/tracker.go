package cache

import (
	"sync"
	"time"
)

// ringSize bounds the per-key access timestamp history
const ringSize = 32

// accessRing is a bounded ring of access timestamps for one key
type accessRing struct {
	times [ringSize]time.Time
	next  int
	count int
}

func (r *accessRing) add(t time.Time) {
	r.times[r.next] = t
	r.next = (r.next + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
}

// within counts accesses newer than cutoff
func (r *accessRing) within(cutoff time.Time) int {
	n := 0
	for i := 0; i < r.count; i++ {
		if r.times[i].After(cutoff) {
			n++
		}
	}
	return n
}

// accessTracker records per-key access timestamps over a rolling window
// and answers access-frequency queries for predictive warming.
type accessTracker struct {
	window time.Duration

	mu    sync.Mutex
	rings map[string]*accessRing
	sweep time.Time
}

func newAccessTracker(window time.Duration) *accessTracker {
	return &accessTracker{
		window: window,
		rings:  make(map[string]*accessRing),
	}
}

// record notes one access to key at time t
func (a *accessTracker) record(key string, t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, exists := a.rings[key]
	if !exists {
		r = &accessRing{}
		a.rings[key] = r
	}
	r.add(t)

	// Drop keys with no accesses inside the window, at most once per window
	if t.Sub(a.sweep) >= a.window {
		cutoff := t.Add(-a.window)
		for k, ring := range a.rings {
			if ring.within(cutoff) == 0 {
				delete(a.rings, k)
			}
		}
		a.sweep = t
	}
}

// frequency returns accesses per second for key over the window
func (a *accessTracker) frequency(key string, now time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, exists := a.rings[key]
	if !exists {
		return 0
	}
	n := r.within(now.Add(-a.window))
	return float64(n) / a.window.Seconds()
}
