// Package ratelimit implements plan-aware admission control. Each
// subscription plan carries a set of named buckets, each a fixed-window
// counter scoped either to a (user, organization) pair or to the
// organization alone. Every applicable bucket is incremented and checked on
// each admission; the first exceeded bucket is reported with enough detail
// for the caller to compute a Retry-After value.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Scope selects the counter key a bucket applies to.
type Scope string

const (
	// ScopeUser counts per (user, organization) pair.
	ScopeUser Scope = "user"
	// ScopeOrg counts across the whole organization.
	ScopeOrg Scope = "org"
)

// Bucket is one named fixed-window limit.
type Bucket struct {
	Name   string
	Scope  Scope
	Limit  int
	Window time.Duration
}

// Exceeded describes the bucket that rejected an admission check.
type Exceeded struct {
	Name       string
	Limit      int
	Remaining  int
	Window     time.Duration
	RetryAfter time.Duration
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed  bool
	Exceeded *Exceeded
}

// window is a single fixed-window counter.
type window struct {
	mu    sync.Mutex
	count int
	reset time.Time
}

// incr advances or resets the window and returns the post-increment count
// plus the moment the window rolls over.
func (w *window) incr(now time.Time, length time.Duration) (int, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.After(w.reset) {
		w.count = 0
		w.reset = now.Add(length)
	}
	w.count++
	return w.count, w.reset
}

// Limiter evaluates admission checks against per-plan bucket sets. Counters
// live in memory; keys are created on first use.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	plans   map[string][]Bucket
	deflt   []Bucket
	now     func() time.Time
}

// New creates a Limiter. plans maps a subscription tier name to its bucket
// set; fallback is used for tiers not present in plans. Passing nil for both
// yields a limiter that admits everything.
func New(plans map[string][]Bucket, fallback []Bucket) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		plans:   plans,
		deflt:   fallback,
		now:     time.Now,
	}
}

// Buckets returns the bucket set in force for a plan.
func (l *Limiter) Buckets(plan string) []Bucket {
	if bs, ok := l.plans[plan]; ok {
		return bs
	}
	return l.deflt
}

// Check increments every bucket applicable to (userID, orgID) under the
// given plan and reports the first exceeded one. The increment on the
// exceeded bucket is not rolled back; rejected requests still consume.
func (l *Limiter) Check(userID, orgID, plan string) Result {
	now := l.now()
	for _, b := range l.Buckets(plan) {
		key := b.Name + ":" + orgID
		if b.Scope == ScopeUser {
			key += ":" + userID
		}
		count, reset := l.window(key).incr(now, b.Window)
		if count > b.Limit {
			retry := reset.Sub(now)
			if retry < 0 {
				retry = 0
			}
			return Result{Exceeded: &Exceeded{
				Name:       b.Name,
				Limit:      b.Limit,
				Remaining:  0,
				Window:     b.Window,
				RetryAfter: retry,
			}}
		}
	}
	return Result{Allowed: true}
}

// window returns (and creates if needed) the counter for key.
func (l *Limiter) window(key string) *window {
	// Fast path, counter already exists.
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring the write lock.
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// RetryAfterHeader formats an Exceeded for the Retry-After response header,
// rounded up to whole seconds so a compliant client never retries early.
func RetryAfterHeader(e *Exceeded) string {
	secs := int(e.RetryAfter.Seconds())
	if e.RetryAfter > time.Duration(secs)*time.Second {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
