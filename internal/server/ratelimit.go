package server

import (
	"StabilityLedger/internal/observability"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorIdleTTL = 10 * time.Minute

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client for write methods. Reads
// are never limited. A zero rate disables limiting.
type RateLimiter struct {
	cfg       RateLimitConfig
	metrics   *observability.Metrics
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	clockNow  func() time.Time
}

func NewRateLimiter(cfg RateLimitConfig, metrics *observability.Metrics) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &RateLimiter{
		cfg:      cfg,
		metrics:  metrics,
		visitors: make(map[string]*visitor),
		clockNow: time.Now,
	}
}

// Allow reports whether client may call fullMethod now.
func (r *RateLimiter) Allow(fullMethod, client string) bool {
	if r == nil || r.cfg.RequestsPerSecond <= 0 {
		return true
	}
	if _, write := RequiredScope(fullMethod); !write {
		return true
	}

	now := r.clockNow()
	if r.limiter(client, now).AllowN(now, 1) {
		return true
	}
	if r.metrics != nil {
		r.metrics.RateLimited.WithLabelValues(fullMethod).Inc()
	}
	return false
}

func (r *RateLimiter) limiter(client string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastSweep) > visitorIdleTTL {
		for id, v := range r.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTTL {
				delete(r.visitors, id)
			}
		}
		r.lastSweep = now
	}

	v, ok := r.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), r.cfg.Burst)}
		r.visitors[client] = v
	}
	v.lastSeen = now
	return v.limiter
}
