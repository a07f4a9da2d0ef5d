// Package ratelimit provides per-conversation admission control for outgoing sends.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter delays send attempts per conversation. It combines a hard cool-down
// installed when the server answers "rate limited" with a soft minimum
// interval between requests. It never drops a send.
type Limiter struct {
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	cooldowns map[string]time.Time
	changed   chan struct{}
}

// New creates a limiter enforcing minInterval between requests of the same
// conversation. A non-positive interval disables the soft limit.
func New(minInterval time.Duration, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		interval:  minInterval,
		logger:    logger,
		buckets:   make(map[string]*rate.Limiter),
		cooldowns: make(map[string]time.Time),
		changed:   make(chan struct{}),
	}
}

// CheckAndWait blocks until conversationID may send. It returns false only
// when ctx ends first.
func (l *Limiter) CheckAndWait(ctx context.Context, conversationID string) bool {
	for {
		l.mu.Lock()
		until, ok := l.cooldowns[conversationID]
		changed := l.changed
		l.mu.Unlock()

		wait := time.Until(until)
		if !ok || wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-changed:
			// Cool-down cleared or replaced; look again.
			timer.Stop()
		case <-timer.C:
		}
	}

	if err := l.bucket(conversationID).Wait(ctx); err != nil {
		return false
	}
	return true
}

// HandleRateLimited installs a cool-down for conversationID. A shorter window
// never replaces a longer one already in place.
func (l *Limiter) HandleRateLimited(conversationID string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = l.interval
	}
	until := time.Now().Add(retryAfter)

	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.cooldowns[conversationID]; ok && cur.After(until) {
		return
	}
	l.cooldowns[conversationID] = until
	l.broadcastLocked()
	l.logger.Info("conversation rate limited",
		zap.String("conversation_id", conversationID),
		zap.Duration("retry_after", retryAfter))
}

// Clear removes the cool-down of conversationID.
func (l *Limiter) Clear(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cooldowns[conversationID]; !ok {
		return
	}
	delete(l.cooldowns, conversationID)
	l.broadcastLocked()
}

// Cooldown returns how long conversationID still has to wait, or zero.
func (l *Limiter) Cooldown(conversationID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.cooldowns[conversationID]
	if !ok {
		return 0
	}
	if d := time.Until(until); d > 0 {
		return d
	}
	delete(l.cooldowns, conversationID)
	return 0
}

func (l *Limiter) bucket(conversationID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[conversationID]
	if !ok {
		limit := rate.Inf
		if l.interval > 0 {
			limit = rate.Every(l.interval)
		}
		b = rate.NewLimiter(limit, 1)
		l.buckets[conversationID] = b
	}
	return b
}

// broadcastLocked wakes every waiter. Callers hold l.mu.
func (l *Limiter) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}
