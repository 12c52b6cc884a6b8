package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/config"
)

// LoadFunc reports current system load in [0, 1]
type LoadFunc func(ctx context.Context) (float64, error)

// profile holds one named limit class and its live per-key buckets
type profile struct {
	base    config.AdmissionProfile
	current float64 // adjusted rate applied to every bucket

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// Controller is an adaptive admission controller. Each profile (user,
// ip, global) maintains token buckets per key; a background loop
// samples latency, errors, and system load, and scales every profile's
// refill rate by a smoothed adjustment factor clamped to [0.1, 2.0].
type Controller struct {
	profiles map[string]*profile
	opts     Options
	loadFn   LoadFunc
	logger   *zap.Logger

	mu         sync.Mutex
	latencies  []time.Duration
	errorCount int
	totalCount int
	load       float64
	adjustment float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures the controller's sampling loops
type Options struct {
	AdjustInterval time.Duration
	LoadInterval   time.Duration
	SampleWindow   int
}

const (
	minAdjustment = 0.1
	maxAdjustment = 2.0

	// smoothing weights for the adjustment factor
	oldWeight = 0.7
	newWeight = 0.3

	// load above this threshold starts shedding
	loadThreshold = 0.7
)

// New creates a controller from the configured profiles.
// loadFn may be nil; the load factor then stays neutral.
func New(profiles map[string]config.AdmissionProfile, opts Options, loadFn LoadFunc, logger *zap.Logger) *Controller {
	if opts.AdjustInterval <= 0 {
		opts.AdjustInterval = 60 * time.Second
	}
	if opts.LoadInterval <= 0 {
		opts.LoadInterval = 5 * time.Second
	}
	if opts.SampleWindow <= 0 {
		opts.SampleWindow = 1000
	}

	c := &Controller{
		profiles:   make(map[string]*profile, len(profiles)),
		opts:       opts,
		loadFn:     loadFn,
		logger:     logger,
		adjustment: 1.0,
		stopCh:     make(chan struct{}),
	}
	for name, p := range profiles {
		c.profiles[name] = &profile{
			base:    p,
			current: p.Rate,
			buckets: make(map[string]*rate.Limiter),
		}
	}
	return c
}

// Start launches the load-sampling and adjustment loops
func (c *Controller) Start() {
	c.wg.Add(2)
	go c.loadLoop()
	go c.adjustLoop()
}

// Stop signals the loops and waits for them to exit
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Allow reports whether one request for key under the named profile is
// admitted now. Unknown profiles admit everything.
func (c *Controller) Allow(profileName, key string) bool {
	return c.AllowN(profileName, key, 1)
}

// AllowN reports whether n requests are admitted now
func (c *Controller) AllowN(profileName, key string, n int) bool {
	p, exists := c.profiles[profileName]
	if !exists {
		return true
	}
	return p.bucket(key).AllowN(time.Now(), n)
}

func (p *profile) bucket(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, exists := p.buckets[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(p.current), p.base.Burst)
		p.buckets[key] = limiter
	}
	return limiter
}

// setRate applies an adjusted rate to the profile and its live buckets
func (p *profile) setRate(r float64) {
	if r < p.base.MinRate {
		r = p.base.MinRate
	}
	if r > p.base.MaxRate {
		r = p.base.MaxRate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = r
	for _, limiter := range p.buckets {
		limiter.SetLimit(rate.Limit(r))
	}
}

// Rate returns the profile's current adjusted refill rate
func (c *Controller) Rate(profileName string) float64 {
	p, exists := c.profiles[profileName]
	if !exists {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Adjustment returns the current smoothed adjustment factor
func (c *Controller) Adjustment() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adjustment
}

// RecordSample feeds one request outcome into the adjustment window
func (c *Controller) RecordSample(latency time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) < c.opts.SampleWindow {
		c.latencies = append(c.latencies, latency)
	}
	c.totalCount++
	if failed {
		c.errorCount++
	}
}

func (c *Controller) loadLoop() {
	defer c.wg.Done()
	if c.loadFn == nil {
		return
	}
	ticker := time.NewTicker(c.opts.LoadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.LoadInterval)
			load, err := c.loadFn(ctx)
			cancel()
			if err != nil {
				c.logger.Warn("Load sampling failed", zap.Error(err))
				continue
			}
			c.mu.Lock()
			c.load = load
			c.mu.Unlock()
		}
	}
}

func (c *Controller) adjustLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.AdjustInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Adjust()
		}
	}
}

// Adjust recomputes the adjustment factor from the sample window and
// applies it to every profile, then resets the window
func (c *Controller) Adjust() {
	c.mu.Lock()
	latencies := c.latencies
	errorCount := c.errorCount
	totalCount := c.totalCount
	load := c.load
	c.latencies = nil
	c.errorCount = 0
	c.totalCount = 0
	previous := c.adjustment
	c.mu.Unlock()

	target := previous * latencyFactor(latencies) * errorFactor(errorCount, totalCount) * loadFactor(load)
	if target < minAdjustment {
		target = minAdjustment
	}
	if target > maxAdjustment {
		target = maxAdjustment
	}

	// Smoothing toward the target avoids oscillation between windows.
	// Both operands are in bounds, so the result is too.
	smoothed := oldWeight*previous + newWeight*target

	c.mu.Lock()
	c.adjustment = smoothed
	c.mu.Unlock()

	for name, p := range c.profiles {
		p.setRate(p.base.Rate * smoothed)
		c.logger.Debug("Adjusted admission rate",
			zap.String("profile", name),
			zap.Float64("rate", c.Rate(name)))
	}

	c.logger.Info("Admission adjustment applied",
		zap.Float64("factor", smoothed),
		zap.Float64("load", load),
		zap.Int("samples", totalCount))
}

// latencyFactor maps observed latency to a rate scaler: tail latency
// past 100ms sheds, a mean under 10ms earns headroom
func latencyFactor(latencies []time.Duration) float64 {
	if len(latencies) == 0 {
		return 1.0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p95 := sorted[(len(sorted)*95)/100]

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	mean := total / time.Duration(len(latencies))

	switch {
	case p95 > 100*time.Millisecond:
		return 0.8
	case mean < 10*time.Millisecond:
		return 1.2
	default:
		return 1.0
	}
}

// errorFactor sheds proportionally to the observed error rate
func errorFactor(errorCount, totalCount int) float64 {
	if totalCount == 0 {
		return 1.0
	}
	return 1.0 - 0.5*float64(errorCount)/float64(totalCount)
}

// loadFactor sheds twice as fast as load climbs past the threshold
func loadFactor(load float64) float64 {
	if load <= loadThreshold {
		return 1.0
	}
	f := 1.0 - 2.0*(load-loadThreshold)
	if f < 0 {
		f = 0
	}
	return f
}
