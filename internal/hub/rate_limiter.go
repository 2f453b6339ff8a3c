package hub

import (
	"sync"
	"time"
)

// quota counts the calls one API actor made in the current window.
type quota struct {
	resetAt time.Time
	used    int
}

// RateLimiter caps API calls per actor at limit per window. The window starts
// with the first call after the previous one expired. limit <= 0 means no cap.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*quota
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{limit: limit, window: window, now: time.Now, buckets: map[string]*quota{}}
}

// Allow records a call by actor and reports whether it is within the quota.
func (r *RateLimiter) Allow(actor string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.buckets[actor]
	if !ok || !now.Before(q.resetAt) {
		r.buckets[actor] = &quota{resetAt: now.Add(r.window), used: 1}
		return true
	}
	if q.used >= r.limit {
		return false
	}
	q.used++
	return true
}

// Prune forgets actors whose window has expired.
func (r *RateLimiter) Prune() {
	if r == nil {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for actor, q := range r.buckets {
		if !now.Before(q.resetAt) {
			delete(r.buckets, actor)
		}
	}
}
