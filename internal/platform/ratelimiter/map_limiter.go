// Package ratelimiter paces outbound relay traffic with one token bucket
// per recipient, so distributing to many contacts never floods any single
// directory inbox.
package ratelimiter

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type MapLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*entry
	hits    uint64
	idleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-key limiter; returns nil if args are invalid. A nil
// limiter allows everything.
func New(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byKey:   make(map[string]*entry),
		idleTTL: idleTTL,
	}
}

// Wait blocks until the key's bucket has a token or the context ends.
func (l *MapLimiter) Wait(ctx context.Context, key string) error {
	lim := l.limiterFor(key, time.Now())
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Allow reports whether one token can be consumed for the key at now.
func (l *MapLimiter) Allow(key string, now time.Time) bool {
	lim := l.limiterFor(key, now)
	if lim == nil {
		return true
	}
	return lim.AllowN(now, 1)
}

func (l *MapLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	if l == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return e.limiter
}
