package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/httpmw"
)

// overflowKey buckets every new client once the visitor table is full.
const overflowKey = "overflow"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged is reset when the entry is evicted
	logged bool
}

// IPLimiter holds one limiter per client ip and evicts idle entries.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	exempt      map[string]struct{}
	now         func() time.Time

	// OnFirstDenied runs once per visitor, for logging.
	OnFirstDenied func(ip string)
	// OnDenied runs on every rejected request, for counting.
	OnDenied func(ip string)
	// OnCapacity runs when a new client lands in the overflow bucket.
	OnCapacity func()
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket size. WithRate(10, 50) allows a
// burst of 50 then 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle ip stays in the table.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithMaxVisitors caps the table; further clients share one overflow
// bucket until entries expire.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

// WithExemptPaths skips limiting for exact path matches, e.g. the
// websocket upgrade which holds one long connection.
func WithExemptPaths(paths ...string) Option {
	return func(l *IPLimiter) {
		for _, p := range paths {
			l.exempt[p] = struct{}{}
		}
	}
}

func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnFirstDenied = fn }
}

func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnDenied = fn }
}

func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.OnCapacity = fn }
}

// New creates an IPLimiter. The eviction loop stops with ctx.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 10000,
		exempt:      make(map[string]struct{}),
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Allow reports whether ip may proceed, running the denial hooks outside
// the lock.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	overflow := false
	if !ok {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			overflow = true
			ip = overflowKey
			v, ok = l.visitors[overflowKey]
		}
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
			l.visitors[ip] = v
		}
	}
	v.lastSeen = l.now()
	allowed := v.limiter.AllowN(v.lastSeen, 1)
	first := !allowed && !v.logged
	if first {
		v.logged = true
	}
	l.mu.Unlock()

	if overflow && l.OnCapacity != nil {
		l.OnCapacity()
	}
	if allowed {
		return true
	}
	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(ip)
	}
	if l.OnDenied != nil {
		l.OnDenied(ip)
	}
	return false
}

// Len returns the number of tracked visitors.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(l.now())
		}
	}
}

func (l *IPLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
}

// Middleware rejects requests over the limit with 429. It keys on the
// address resolved by httpmw.ClientIP, so it must run after it.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := l.exempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if !l.Allow(httpmw.ClientIPFromContext(r.Context())) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
