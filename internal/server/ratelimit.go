package server

import (
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// CaptureLimit bounds clip captures per client IP per CaptureWindow.
	// Captures hold an encoder process for the clip duration, so they get a
	// much tighter budget than ordinary requests.
	CaptureLimit  int
	CaptureWindow time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	captureLimit  int
	captureWindow time.Duration
	captureMu     sync.Mutex
	captures      map[string]*ipLimiter
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		captureLimit:  cfg.CaptureLimit,
		captureWindow: cfg.CaptureWindow,
		captures:      make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.captureWindow <= 0 {
		rl.captureWindow = time.Minute
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowCapture(key string) (bool, time.Duration) {
	if r == nil || r.captureLimit <= 0 {
		return true, 0
	}
	if key == "" {
		key = "unknown"
	}
	r.captureMu.Lock()
	limiter, exists := r.captures[key]
	if !exists {
		rate := float64(r.captureLimit) / r.captureWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.captureWindow.Seconds()
		}
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.captureLimit)}
		r.captures[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.captureMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0
	}
	return false, time.Second
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.captures) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.captureWindow)
	for key, limiter := range r.captures {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.captures, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
