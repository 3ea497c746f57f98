// Package apistats counts calls made to the quota'd API: how many went out in
// the last second, minute and hour, and how many were throttled.
package apistats

import (
	"sort"
	"sync"
	"time"
)

const (
	// Retention is how long individual request timestamps are kept.
	Retention = time.Hour

	// MaxEntries bounds the number of retained timestamps per series.
	MaxEntries = 100_000
)

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	RequestsLastSecond int              `json:"requests_last_second"`
	RequestsLastMinute int              `json:"requests_last_minute"`
	RequestsLastHour   int              `json:"requests_last_hour"`
	ThrottledLastHour  int              `json:"throttled_last_hour"`
	ThrottledTotal     int64            `json:"throttled_total"`
	RequestsByRoute    map[string]int64 `json:"requests_by_route"`
	TakenAt            time.Time        `json:"taken_at"`
}

// series is an ascending list of instants trimmed to Retention and MaxEntries.
type series []time.Time

func (s series) add(at time.Time, now time.Time) series {
	// Events arrive almost in order; keep the slice sorted for the window counts.
	i := sort.Search(len(s), func(i int) bool { return s[i].After(at) })
	s = append(s, time.Time{})
	copy(s[i+1:], s[i:])
	s[i] = at
	return s.trim(now)
}

func (s series) trim(now time.Time) series {
	cutoff := now.Add(-Retention)
	i := sort.Search(len(s), func(i int) bool { return s[i].After(cutoff) })
	if len(s)-i > MaxEntries {
		i = len(s) - MaxEntries
	}
	if i == 0 {
		return s
	}
	return append(s[:0], s[i:]...)
}

func (s series) since(cutoff time.Time) int {
	i := sort.Search(len(s), func(i int) bool { return s[i].After(cutoff) })
	return len(s) - i
}

// Counter is safe for concurrent use.
type Counter struct {
	now func() time.Time

	mu             sync.Mutex
	requests       series
	throttled      series
	throttledTotal int64
	byRoute        map[string]int64
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an empty counter.
func New(opts ...Option) *Counter {
	c := &Counter{
		now:     time.Now,
		byRoute: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordRequest counts one call on route made at the given instant.
func (c *Counter) RecordRequest(route string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = c.requests.add(at, c.now())
	c.byRoute[route]++
}

// RecordThrottled counts one throttled (429) response on route.
func (c *Counter) RecordThrottled(route string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.throttled = c.throttled.add(at, c.now())
	c.throttledTotal++
}

// ResetThrottled zeroes the throttled counters.
func (c *Counter) ResetThrottled() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.throttled = nil
	c.throttledTotal = 0
}

// Snapshot returns the current counts.
func (c *Counter) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.requests = c.requests.trim(now)
	c.throttled = c.throttled.trim(now)

	byRoute := make(map[string]int64, len(c.byRoute))
	for k, v := range c.byRoute {
		byRoute[k] = v
	}

	return Snapshot{
		RequestsLastSecond: c.requests.since(now.Add(-time.Second)),
		RequestsLastMinute: c.requests.since(now.Add(-time.Minute)),
		RequestsLastHour:   c.requests.since(now.Add(-time.Hour)),
		ThrottledLastHour:  c.throttled.since(now.Add(-time.Hour)),
		ThrottledTotal:     c.throttledTotal,
		RequestsByRoute:    byRoute,
		TakenAt:            now.UTC(),
	}
}
