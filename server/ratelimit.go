package server

import (
	"context"
	"sync"
	"time"

	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"golang.org/x/time/rate"
)

// Waits shorter than this are not counted as throttling.
const significantWait = 10 * time.Millisecond

// ThrottleStats tracks how long I/O steps waited on a service's rate limit.
type ThrottleStats struct {
	ThrottleCount    int           `json:"throttleCount"`
	ThrottleWaitTime time.Duration `json:"throttleWaitTime"`
}

// RateLimiter throttles requests to one service. Rate limiting is shared by
// every test case of a run, so parallel cases together stay under the limit.
// A nil *RateLimiter never blocks.
type RateLimiter struct {
	service string
	rpm     int
	limiter *rate.Limiter

	mu    sync.Mutex
	stats ThrottleStats
}

// NewRateLimiter returns nil when the config sets no limit.
func NewRateLimiter(service string, cfg model.RateLimitConfig) *RateLimiter {
	if cfg.RPM <= 0 {
		return nil
	}
	// rate is per second, burst is a full minute's worth
	perSecond := float64(cfg.RPM) / 60.0
	logger.Logger.Info("Rate limiter configured",
		"service", service,
		"rpm", cfg.RPM,
		"requests_per_second", perSecond,
	)
	return &RateLimiter{
		service: service,
		rpm:     cfg.RPM,
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.RPM),
	}
}

// Wait blocks until one request may be sent or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	start := time.Now()
	if err := rl.limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > significantWait {
		rl.mu.Lock()
		rl.stats.ThrottleCount++
		rl.stats.ThrottleWaitTime += waited
		rl.mu.Unlock()
		logger.Logger.Debug("Request throttled", "service", rl.service, "waited", waited)
	}
	return nil
}

func (rl *RateLimiter) Stats() ThrottleStats {
	if rl == nil {
		return ThrottleStats{}
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.stats
}

// RateLimiters holds one limiter per rate-limited service of a document.
type RateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

func NewRateLimiters(services map[string]*model.Service) *RateLimiters {
	rls := &RateLimiters{limiters: make(map[string]*RateLimiter)}
	for id, svc := range services {
		if rl := NewRateLimiter(id, svc.RateLimits); rl != nil {
			rls.limiters[id] = rl
		}
	}
	return rls
}

// For returns the limiter of a service, or nil when it is not limited.
func (r *RateLimiters) For(service string) *RateLimiter {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limiters[service]
}

// Stats returns the throttle statistics of every limited service.
func (r *RateLimiters) Stats() map[string]ThrottleStats {
	out := make(map[string]ThrottleStats)
	if r == nil {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rl := range r.limiters {
		out[id] = rl.Stats()
	}
	return out
}
