package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SendLimiter throttles outbound frames with adaptive backoff after write failures
type SendLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex

	requestCount int64
	failureCount int64
	lastFailure  time.Time

	backoffDuration   time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

func NewSendLimiter(rps float64, burst int) *SendLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &SendLimiter{
		limiter:           rate.NewLimiter(rate.Limit(rps), burst),
		maxBackoff:        30 * time.Second,
		backoffMultiplier: 1.5,
	}
}

// Wait waits for permission to send (with context)
func (l *SendLimiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	backoffDuration := l.backoffDuration
	l.mu.RUnlock()

	if backoffDuration > 0 {
		select {
		case <-time.After(backoffDuration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return l.limiter.Wait(ctx)
}

// RecordFailure grows the backoff applied before the next send
func (l *SendLimiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failureCount++
	l.lastFailure = time.Now()

	if l.backoffDuration == 0 {
		l.backoffDuration = 250 * time.Millisecond
	} else {
		l.backoffDuration = time.Duration(float64(l.backoffDuration) * l.backoffMultiplier)
		if l.backoffDuration > l.maxBackoff {
			l.backoffDuration = l.maxBackoff
		}
	}
}

// RecordSuccess shrinks the backoff after a successful send
func (l *SendLimiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requestCount++

	if l.backoffDuration > 0 {
		if time.Since(l.lastFailure) > time.Minute {
			l.backoffDuration = 0
		} else {
			l.backoffDuration = time.Duration(float64(l.backoffDuration) * 0.5)
			if l.backoffDuration < 50*time.Millisecond {
				l.backoffDuration = 0
			}
		}
	}
}

// Backoff returns the delay currently applied before each send
func (l *SendLimiter) Backoff() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.backoffDuration
}

// GetStats returns limiter statistics
func (l *SendLimiter) GetStats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return map[string]interface{}{
		"request_count":      l.requestCount,
		"failure_count":      l.failureCount,
		"last_failure":       l.lastFailure,
		"current_backoff_ms": l.backoffDuration.Milliseconds(),
	}
}
