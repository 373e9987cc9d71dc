// Package ratelimit enforces per-identity request quotas over sliding windows.
//
// The sliding window is approximated with two adjacent fixed windows: the
// previous window's count is weighted by how much of it still overlaps the
// sliding interval. The approximation error stays well under 10% for steady
// traffic, which is the contract this package promises.
package ratelimit

import (
	"sync"
	"time"

	gateway "github.com/eugener/elrond/internal"
)

// Rule is one row of the policy table.
type Rule struct {
	Window time.Duration
	Limit  int64
}

// Policy maps endpoint class to its rule.
type Policy map[string]Rule

// DefaultPolicy returns the built-in policy table. Operators may override
// individual rows from configuration.
func DefaultPolicy() Policy {
	return Policy{
		gateway.ClassAuth:    {Window: time.Minute, Limit: 5},
		gateway.ClassChat:    {Window: time.Minute, Limit: 20},
		gateway.ClassFile:    {Window: time.Minute, Limit: 10},
		gateway.ClassGeneral: {Window: time.Minute, Limit: 60},
	}
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration // > 0 and <= window when rejected
	ResetAt    time.Time     // start of the next window
}

// ClassQuota reports current consumption for one class.
type ClassQuota struct {
	Class   string    `json:"class"`
	Used    int64     `json:"used"`
	Limit   int64     `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// window holds the paired fixed-window counters for one (identity, class).
type window struct {
	mu       sync.Mutex
	start    time.Time // aligned to rule.Window boundaries
	curr     int64
	prev     int64
	lastUsed time.Time
}

// rotate advances the window pair so that start covers now.
func (w *window) rotate(now time.Time, span time.Duration) {
	aligned := now.Truncate(span)
	switch {
	case aligned.Equal(w.start):
		// still in the current window
	case aligned.Equal(w.start.Add(span)):
		w.prev = w.curr
		w.curr = 0
		w.start = aligned
	default:
		// idle for more than a full window; both counts expired
		w.prev = 0
		w.curr = 0
		w.start = aligned
	}
}

// weighted returns the sliding-window estimate at now.
func (w *window) weighted(now time.Time, span time.Duration) float64 {
	elapsed := now.Sub(w.start)
	overlap := 1 - float64(elapsed)/float64(span)
	if overlap < 0 {
		overlap = 0
	}
	return float64(w.curr) + float64(w.prev)*overlap
}

// Limiter enforces the policy for all identities. Windows are created lazily
// and evicted by a background sweep once idle.
type Limiter struct {
	mu      sync.RWMutex
	policy  Policy
	windows map[string]*window
	now     func() time.Time // overridable in tests
}

// New creates a Limiter with the given policy.
func New(policy Policy) *Limiter {
	return &Limiter{
		policy:  policy,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Admit atomically checks and consumes one request for (identity, class).
// Classes absent from the policy are unlimited.
func (l *Limiter) Admit(identity, class string) Result {
	rule, ok := l.policy[class]
	if !ok || rule.Limit <= 0 {
		return Result{Allowed: true}
	}

	w := l.getOrCreate(identity + "\x00" + class)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastUsed = now
	w.rotate(now, rule.Window)

	resetAt := w.start.Add(rule.Window)
	estimate := w.weighted(now, rule.Window)
	if estimate+1 > float64(rule.Limit) {
		// Waiting until the window rolls always readmits: prev decays to
		// the old curr and curr restarts at zero.
		retry := resetAt.Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Result{
			Limit:      rule.Limit,
			RetryAfter: retry,
			ResetAt:    resetAt,
		}
	}

	w.curr++
	remaining := rule.Limit - int64(estimate) - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Quota reports current consumption for every class in the policy without
// consuming anything.
func (l *Limiter) Quota(identity string) []ClassQuota {
	now := l.now()
	// Stable order for API responses.
	classes := []string{gateway.ClassAuth, gateway.ClassChat, gateway.ClassFile, gateway.ClassGeneral}

	var out []ClassQuota
	for _, class := range classes {
		rule, ok := l.policy[class]
		if !ok {
			continue
		}
		q := ClassQuota{Class: class, Limit: rule.Limit}

		l.mu.RLock()
		w, exists := l.windows[identity+"\x00"+class]
		l.mu.RUnlock()
		if exists {
			w.mu.Lock()
			w.rotate(now, rule.Window)
			q.Used = int64(w.weighted(now, rule.Window))
			q.ResetAt = w.start.Add(rule.Window)
			w.mu.Unlock()
		} else {
			q.ResetAt = now.Truncate(rule.Window).Add(rule.Window)
		}
		out = append(out, q)
	}
	return out
}

// EvictStale removes windows not used since cutoff. Returns the count evicted.
func (l *Limiter) EvictStale(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for k, w := range l.windows {
		w.mu.Lock()
		stale := w.lastUsed.Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(l.windows, k)
			evicted++
		}
	}
	return evicted
}

// MaxWindow returns the longest window in the policy; the eviction sweep
// keeps counters for twice this long.
func (l *Limiter) MaxWindow() time.Duration {
	var maxSpan time.Duration
	for _, r := range l.policy {
		if r.Window > maxSpan {
			maxSpan = r.Window
		}
	}
	return maxSpan
}

func (l *Limiter) getOrCreate(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock.
	if w, ok := l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}
