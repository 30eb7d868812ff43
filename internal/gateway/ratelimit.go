package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alirezakavianifar/message-broker-sub002/pkg/logging"
)

// clientLimiter tracks the token bucket and last access time for one client
// identity.
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter enforces a per-client token bucket (default 100 requests per
// 60 s window). Keyed by certificate-derived client id, not IP: one client
// behind many addresses is still one quota.
type RateLimiter struct {
	events int
	window time.Duration
	logger *logging.Logger

	limiters sync.Map // client_id -> *clientLimiter
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRateLimiter starts the limiter and its idle-entry cleanup loop.
func NewRateLimiter(events int, window time.Duration, logger *logging.Logger) *RateLimiter {
	if logger == nil {
		logger = logging.NewLogger(logging.Config{})
	}
	rl := &RateLimiter{
		events: events,
		window: window,
		logger: logger.WithComponent("rate_limiter"),
		stopCh: make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether clientID may submit one more request right now.
func (rl *RateLimiter) Allow(clientID string) bool {
	now := time.Now()

	if existing, ok := rl.limiters.Load(clientID); ok {
		cl := existing.(*clientLimiter)
		cl.lastAccess = now
		return cl.limiter.Allow()
	}

	// events per window, with a full window's burst so a quiet client can
	// spend its quota at once.
	limit := rate.Limit(float64(rl.events) / rl.window.Seconds())
	cl := &clientLimiter{
		limiter:    rate.NewLimiter(limit, rl.events),
		lastAccess: now,
	}
	if actual, loaded := rl.limiters.LoadOrStore(clientID, cl); loaded {
		cl = actual.(*clientLimiter)
		cl.lastAccess = now
	}
	return cl.limiter.Allow()
}

// RetryAfter is the advisory delay returned with a 429.
func (rl *RateLimiter) RetryAfter() time.Duration {
	per := rl.window / time.Duration(rl.events)
	if per < time.Second {
		per = time.Second
	}
	return per
}

// cleanupLoop drops limiter entries for clients idle longer than ten windows,
// so the map does not grow with every client ever seen.
func (rl *RateLimiter) cleanupLoop() {
	defer rl.wg.Done()

	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * rl.window)
			removed := 0
			rl.limiters.Range(func(key, value any) bool {
				if value.(*clientLimiter).lastAccess.Before(cutoff) {
					rl.limiters.Delete(key)
					removed++
				}
				return true
			})
			if removed > 0 {
				rl.logger.Debug("cleaned up idle rate limiter entries", "removed", removed)
			}
		}
	}
}

// Stop terminates the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	rl.wg.Wait()
}
