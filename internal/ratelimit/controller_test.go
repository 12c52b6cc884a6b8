package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/config"
)

func newTestController() *Controller {
	profiles := map[string]config.AdmissionProfile{
		"user":   {Rate: 10, Burst: 20, MinRate: 1, MaxRate: 100},
		"global": {Rate: 1000, Burst: 2000, MinRate: 100, MaxRate: 10000},
	}
	opts := Options{
		AdjustInterval: time.Minute,
		LoadInterval:   5 * time.Second,
		SampleWindow:   1000,
	}
	return New(profiles, opts, nil, zap.NewNop())
}

func TestController_BurstThenDeny(t *testing.T) {
	c := newTestController()

	for i := 0; i < 20; i++ {
		require.True(t, c.Allow("user", "alice"), "request %d within burst", i)
	}
	assert.False(t, c.Allow("user", "alice"))
}

func TestController_KeysAreIndependent(t *testing.T) {
	c := newTestController()

	for i := 0; i < 20; i++ {
		require.True(t, c.Allow("user", "alice"))
	}
	require.False(t, c.Allow("user", "alice"))

	// A different key has its own bucket
	assert.True(t, c.Allow("user", "bob"))
}

func TestController_UnknownProfileAdmits(t *testing.T) {
	c := newTestController()

	for i := 0; i < 1000; i++ {
		require.True(t, c.Allow("nonexistent", "anyone"))
	}
}

func TestController_RefillRestoresAdmission(t *testing.T) {
	c := newTestController()

	for c.Allow("user", "alice") {
	}

	// 10/s refill grants roughly one token per 100ms
	time.Sleep(250 * time.Millisecond)
	assert.True(t, c.Allow("user", "alice"))
}

func TestController_SlowTrafficShedsRate(t *testing.T) {
	c := newTestController()

	for i := 0; i < 100; i++ {
		c.RecordSample(500*time.Millisecond, false)
	}
	c.Adjust()

	// target 0.8, smoothed 0.7×1.0 + 0.3×0.8 = 0.94
	assert.InDelta(t, 0.94, c.Adjustment(), 0.001)
	assert.InDelta(t, 9.4, c.Rate("user"), 0.001)
}

func TestController_FastTrafficEarnsHeadroom(t *testing.T) {
	c := newTestController()

	for i := 0; i < 100; i++ {
		c.RecordSample(5*time.Millisecond, false)
	}
	c.Adjust()

	// target 1.2, smoothed 0.7×1.0 + 0.3×1.2 = 1.06
	assert.InDelta(t, 1.06, c.Adjustment(), 0.001)
	assert.InDelta(t, 10.6, c.Rate("user"), 0.001)
}

func TestController_ErrorsShedRate(t *testing.T) {
	c := newTestController()

	for i := 0; i < 100; i++ {
		c.RecordSample(100*time.Millisecond, i < 40)
	}
	c.Adjust()

	// errorFactor 1 − 0.5×0.4 = 0.8; smoothed 0.7 + 0.3×0.8 = 0.94
	assert.InDelta(t, 0.94, c.Adjustment(), 0.001)
}

func TestController_AdjustmentStaysBounded(t *testing.T) {
	c := newTestController()

	// Sustained pathological input converges toward the floor
	for round := 0; round < 50; round++ {
		for i := 0; i < 100; i++ {
			c.RecordSample(time.Second, true)
		}
		c.mu.Lock()
		c.load = 1.0
		c.mu.Unlock()
		c.Adjust()
	}
	assert.GreaterOrEqual(t, c.Adjustment(), 0.1)
	assert.InDelta(t, 0.1, c.Adjustment(), 0.01)
	assert.InDelta(t, 1.0, c.Rate("user"), 0.2) // clamped at min_rate

	// Sustained ideal input converges toward the ceiling
	for round := 0; round < 200; round++ {
		for i := 0; i < 100; i++ {
			c.RecordSample(time.Millisecond, false)
		}
		c.mu.Lock()
		c.load = 0.0
		c.mu.Unlock()
		c.Adjust()
	}
	assert.LessOrEqual(t, c.Adjustment(), 2.0)
	assert.InDelta(t, 2.0, c.Adjustment(), 0.01)
	assert.InDelta(t, 20.0, c.Rate("user"), 0.2) // base 10 × factor 2.0, under max_rate
}

func TestController_AdjustedRateAppliesToLiveBuckets(t *testing.T) {
	c := newTestController()

	// Create a live bucket, then shed hard
	require.True(t, c.Allow("user", "alice"))
	for round := 0; round < 50; round++ {
		for i := 0; i < 100; i++ {
			c.RecordSample(time.Second, true)
		}
		c.Adjust()
	}

	p := c.profiles["user"]
	p.mu.Lock()
	limiter := p.buckets["alice"]
	p.mu.Unlock()
	assert.InDelta(t, c.Rate("user"), float64(limiter.Limit()), 0.001)
}

func TestLoadFactor(t *testing.T) {
	assert.Equal(t, 1.0, loadFactor(0.5))
	assert.Equal(t, 1.0, loadFactor(0.7))
	assert.InDelta(t, 0.8, loadFactor(0.8), 0.001)
	assert.InDelta(t, 0.4, loadFactor(1.0), 0.001)
}
