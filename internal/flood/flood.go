// Package flood implements the multi-window rate limiter described in
// spec.md §4.C, grounded on the original implementation's FloodControlFast:
// a small set of (window, max_events) limits, each tracked as a ring of
// event timestamps, with a single wakeup_at query that tells the caller the
// earliest time another event would be admitted.
package flood

import (
	"sync"
	"time"
)

// limit is one (window, max_events) rule.
type limit struct {
	window time.Duration
	max    int
}

// Control is a multi-window rate limiter. Zero value is usable but has no
// limits configured (AddEvent always succeeds, WakeupAt always returns now).
// Safe for concurrent use.
type Control struct {
	mu     sync.Mutex
	limits []limit
	// events[i] holds the timestamps admitted under limits[i], oldest first.
	events [][]time.Time
}

// New builds a Control with no limits. Call AddLimit to configure it.
func New() *Control {
	return &Control{}
}

// AddLimit registers a (window, maxEvents) rule: at most maxEvents calls to
// AddEvent may be accepted within any sliding window of the given duration.
func (c *Control) AddLimit(window time.Duration, maxEvents int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = append(c.limits, limit{window: window, max: maxEvents})
	c.events = append(c.events, nil)
}

// AddEvent records an event at time now. Callers should only do this after
// confirming WakeupAt(now) <= now, i.e. the event would not exceed any
// configured limit.
func (c *Control) AddEvent(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.limits {
		c.events[i] = prune(c.events[i], now, l.window)
		c.events[i] = append(c.events[i], now)
	}
}

// WakeupAt returns the earliest time at which AddEvent would not exceed any
// configured limit. Returns now itself if no limit is currently saturated.
func (c *Control) WakeupAt(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	wakeup := now
	for i, l := range c.limits {
		c.events[i] = prune(c.events[i], now, l.window)
		if len(c.events[i]) < l.max {
			continue
		}
		// The oldest event still in-window must fall out before another is
		// admitted.
		candidate := c.events[i][len(c.events[i])-l.max].Add(l.window)
		if candidate.After(wakeup) {
			wakeup = candidate
		}
	}
	return wakeup
}

// Allow reports whether an event at time now would be admitted, and if so
// records it. This is the common check-then-add pattern used by callers
// that don't need the raw wakeup time.
func (c *Control) Allow(now time.Time) bool {
	if c.WakeupAt(now).After(now) {
		return false
	}
	c.AddEvent(now)
	return true
}

func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
