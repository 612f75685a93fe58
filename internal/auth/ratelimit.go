package auth

import (
	"math"
	"sync"
	"time"
)

// RateLimiter tracks failed login attempts per client address. After each
// failure the client waits 2^(n-1) seconds; after maxAttempts failures it
// is locked out until the window since the first failure has passed.
type RateLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*attemptInfo
	maxAttempts int
	window      time.Duration
	now         func() time.Time
	stop        chan struct{}
	stopOnce    sync.Once
}

type attemptInfo struct {
	count    int
	firstAt  time.Time
	lastFail time.Time
}

// NewRateLimiter creates a rate limiter (e.g. 5 attempts per 900 seconds)
// and starts its cleanup loop. Call Stop to end it.
func NewRateLimiter(maxAttempts, windowSecs int) *RateLimiter {
	rl := &RateLimiter{
		attempts:    make(map[string]*attemptInfo),
		maxAttempts: maxAttempts,
		window:      time.Duration(windowSecs) * time.Second,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	go rl.cleanupLoop(5 * time.Minute)
	return rl
}

// Check returns whether addr may attempt a login now, and if not, how
// many seconds to wait.
func (rl *RateLimiter) Check(addr string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	info, exists := rl.attempts[addr]
	if !exists {
		return true, 0
	}

	now := rl.now()
	if now.Sub(info.firstAt) > rl.window {
		delete(rl.attempts, addr)
		return true, 0
	}

	if info.count >= rl.maxAttempts {
		remaining := rl.window - now.Sub(info.firstAt)
		return false, int(remaining.Seconds())
	}

	if info.count > 0 {
		backoff := time.Duration(math.Pow(2, float64(info.count-1))) * time.Second
		if since := now.Sub(info.lastFail); since < backoff {
			return false, int((backoff - since).Seconds()) + 1
		}
	}

	return true, 0
}

// RecordFail records a failed login attempt.
func (rl *RateLimiter) RecordFail(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	info, exists := rl.attempts[addr]
	if !exists {
		rl.attempts[addr] = &attemptInfo{count: 1, firstAt: now, lastFail: now}
		return
	}
	info.count++
	info.lastFail = now
}

// RecordSuccess clears attempts for addr.
func (rl *RateLimiter) RecordSuccess(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, addr)
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window)
	for addr, info := range rl.attempts {
		if info.firstAt.Before(cutoff) {
			delete(rl.attempts, addr)
		}
	}
}
