// Package ratelimit enforces per (actor, workspace, mode) request budgets.
// Exceeding a budget is reported with the time the window resets so clients
// can back off precisely.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	ResetAt time.Time
}

// Limiter answers whether one more call in the given mode is within budget.
type Limiter interface {
	Allow(ctx context.Context, actorID, workspaceID, mode string, perMinute int) (Decision, error)
}

// MemoryLimiter keeps one token bucket per (actor, workspace, mode) key.
// Suitable for single-process deployments and tests; multi-node deployments
// use the redis limiter.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
	go l.cleanup()
	return l
}

// WithClock overrides the clock for tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, actorID, workspaceID, mode string, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		return Decision{Allowed: true}, nil
	}
	key := actorID + "/" + workspaceID + "/" + mode
	now := l.now()

	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	res := v.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, ResetAt: now.Add(delay)}, nil
	}
	return Decision{Allowed: true}, nil
}

// cleanup drops buckets idle for more than three minutes.
func (l *MemoryLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for key, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, key)
			}
		}
		l.mu.Unlock()
	}
}
