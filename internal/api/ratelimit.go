package api

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/sesli/internal/observe"
)

const defaultIdleTTL = 10 * time.Minute

// RateLimiter is a token bucket per tenant. A limiter with a non-positive
// rate allows everything. It is safe for concurrent use.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
	metrics *observe.Metrics

	mu      sync.Mutex
	tenants map[string]*tenantBucket
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption configures a [RateLimiter].
type RateLimiterOption func(*RateLimiter)

// WithIdleTTL sets how long an unused tenant bucket is kept before
// [RateLimiter.Sweep] drops it. Default: 10m.
func WithIdleTTL(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		if d > 0 {
			rl.idleTTL = d
		}
	}
}

// WithLimiterClock overrides time.Now. Intended for tests.
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// WithLimiterMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithLimiterMetrics(m *observe.Metrics) RateLimiterOption {
	return func(rl *RateLimiter) {
		if m != nil {
			rl.metrics = m
		}
	}
}

// NewRateLimiter allows rps requests per second per tenant with the given
// burst. A burst below 1 is raised to 1.
func NewRateLimiter(rps float64, burst int, opts ...RateLimiterOption) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: defaultIdleTTL,
		now:     time.Now,
		metrics: observe.DefaultMetrics(),
		tenants: make(map[string]*tenantBucket),
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

// Enabled reports whether requests are limited at all.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.limit > 0
}

// Allow takes one token from tenant's bucket. Rejections are counted on
// sesli.http.rate_limited.
func (rl *RateLimiter) Allow(ctx context.Context, tenant string) bool {
	if !rl.Enabled() {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.tenants[tenant]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.tenants[tenant] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	rl.mu.Unlock()

	if !allowed {
		rl.metrics.RateLimited.Add(ctx, 1)
	}
	return allowed
}

// RetryAfter is the Retry-After header value for a rejected request: the
// whole seconds until one token refills, at least 1.
func (rl *RateLimiter) RetryAfter() string {
	if !rl.Enabled() {
		return "1"
	}
	secs := math.Ceil(1 / float64(rl.limit))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(int(secs))
}

// Len returns the number of tracked tenants.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.tenants)
}

// Prune drops buckets idle for longer than the TTL and returns how many
// were removed.
func (rl *RateLimiter) Prune() int {
	cutoff := rl.now().Add(-rl.idleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for tenant, b := range rl.tenants {
		if b.lastSeen.Before(cutoff) {
			delete(rl.tenants, tenant)
			n++
		}
	}
	return n
}

// Sweep calls [RateLimiter.Prune] every interval until ctx is done.
func (rl *RateLimiter) Sweep(ctx context.Context, interval time.Duration) error {
	if !rl.Enabled() {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := rl.Prune(); n > 0 {
				observe.Logger(ctx).Debug("pruned idle rate limiters", "count", n)
			}
		}
	}
}
