package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig tunes the two throttles the server applies: a global
// request ceiling and a per-client login attempt limit. When RedisAddr is
// set the login counters live in Redis so every API instance shares them.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	LoginLimit    int
	LoginWindow   time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

// tokenStore counts login attempts per key inside a window. The Redis
// implementation backs multi-instance deployments.
type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type rateLimiter struct {
	global *tokenBucket

	loginLimit  int
	loginWindow time.Duration
	store       tokenStore

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		loginLimit:  cfg.LoginLimit,
		loginWindow: cfg.LoginWindow,
		clients:     make(map[string]*clientBucket),
	}
	if rl.loginWindow <= 0 {
		rl.loginWindow = time.Minute
	}
	if cfg.GlobalRPS > 0 {
		rl.global = newTokenBucket(cfg.GlobalRPS, globalBurst(cfg))
	}
	if cfg.RedisAddr != "" && rl.loginLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func globalBurst(cfg RateLimitConfig) int {
	if cfg.GlobalBurst > 0 {
		return cfg.GlobalBurst
	}
	if burst := int(cfg.GlobalRPS); burst > 0 {
		return burst
	}
	return 1
}

// AllowRequest answers whether the next request fits under the global
// ceiling. An unconfigured limiter never throttles.
func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowLogin charges one login attempt against the client key. When the
// attempt is denied the returned duration tells the caller how long the
// client should wait before retrying.
func (r *rateLimiter) AllowLogin(key string) (bool, time.Duration, error) {
	if r == nil || r.loginLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("afterdark:login:%s", key), r.loginLimit, r.loginWindow)
	}
	if key == "" {
		key = "unknown"
	}

	r.mu.Lock()
	client := r.clients[key]
	if client == nil {
		refill := float64(r.loginLimit) / r.loginWindow.Seconds()
		client = &clientBucket{bucket: newTokenBucket(refill, r.loginLimit)}
		r.clients[key] = client
	}
	client.lastSeen = time.Now()
	r.dropIdleClientsLocked()
	r.mu.Unlock()

	if client.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

// dropIdleClientsLocked evicts buckets that have not attempted a login for
// two full windows, keeping the map bounded under churny client IPs.
func (r *rateLimiter) dropIdleClientsLocked() {
	cutoff := time.Now().Add(-2 * r.loginWindow)
	for key, client := range r.clients {
		if client.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}

// tokenBucket is a continuous-refill bucket: capacity caps the burst, rate
// is tokens added per second.
type tokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	refilled time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	capacity := float64(burst)
	return &tokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		refilled: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(tb.refilled).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.refilled = now

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
