package lim

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sharebox/metrics"
	"sharebox/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	redisTimeout    = 100 * time.Millisecond
)

// Counter is a shared fixed-window counter, implemented by db.Redis.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Limiter throttles paste submissions per client. With a Counter the limit is
// shared between processes; without one, or when it fails, a local token
// bucket per client is used.
type Limiter struct {
	counter        Counter
	trustedProxies []string
	rpm            int
	burst          int
	mu             sync.Mutex
	local          map[string]*limiterEntry
	quit           chan struct{}
	stopOnce       sync.Once
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a limiter allowing rpm requests per minute with the given burst.
// counter may be nil.
func New(rpm, burst int, counter Counter, trustedProxies []string) *Limiter {
	if rpm <= 0 {
		rpm = 1
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		counter:        counter,
		trustedProxies: trustedProxies,
		rpm:            rpm,
		burst:          burst,
		local:          make(map[string]*limiterEntry),
		quit:           make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpired(time.Now())
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpired(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, entry := range l.local {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.local, key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", len(l.local)).Msg("rate limiter cleanup")
	}
	return evicted
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// CheckLimit counts r against endpoint for the requesting client.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	return l.Allow(r.Context(), GetRealIP(r, l.trustedProxies), endpoint)
}

// Allow counts one hit for client on endpoint.
func (l *Limiter) Allow(ctx context.Context, client, endpoint string) *RateLimitResult {
	res := l.allow(ctx, client, endpoint)
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

func (l *Limiter) allow(ctx context.Context, client, endpoint string) *RateLimitResult {
	now := time.Now()
	key := client + ":" + endpoint
	if l.counter != nil {
		ctx, cancel := context.WithTimeout(ctx, redisTimeout)
		defer cancel()
		limit := l.rpm + l.burst
		usage, err := l.counter.RateLimit(ctx, key, limit, time.Minute)
		if err == nil {
			remaining := limit - usage
			if remaining < 0 {
				remaining = 0
			}
			return &RateLimitResult{
				Allowed:   usage <= limit,
				Limit:     limit,
				Remaining: remaining,
				Reset:     now.Add(time.Minute),
			}
		}
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
	}
	return l.allowLocal(key, now)
}

func (l *Limiter) allowLocal(key string, now time.Time) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.local[key]
	if !ok {
		if len(l.local) >= maxLimiters {
			util.Warn().Int("limiters", len(l.local)).Msg("rate limiter at capacity, rejecting request")
			return &RateLimitResult{Allowed: false, Limit: l.burst, Reset: now.Add(time.Minute)}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)}
		l.local[key] = entry
	}
	entry.lastAccess = now
	allowed := entry.limiter.AllowN(now, 1)
	remaining := int(entry.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     l.burst,
		Remaining: remaining,
		Reset:     now.Add(time.Minute),
	}
}

// GetRealIP returns the client address of r. X-Forwarded-For is only honored
// when the direct peer is a trusted proxy, and the right-most untrusted hop
// wins.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if net.ParseIP(ip) == nil {
			continue
		}
		if !isTrustedProxy(ip, trustedProxies) {
			return ip
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsed := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsed != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
