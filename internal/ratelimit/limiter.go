package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMinSpacing is the minimum gap between two admissions on the same route.
	DefaultMinSpacing = 5 * time.Millisecond

	// minRetention is the shortest history kept per route, whatever the windows are.
	minRetention = time.Minute
)

// Recorder is notified once per admitted call. Implementations must return
// promptly; admission latency includes the call.
type Recorder interface {
	RecordRequest(route string, at time.Time)
}

// RecorderFunc adapts a plain function to the Recorder interface.
type RecorderFunc func(route string, at time.Time)

// RecordRequest calls f(route, at).
func (f RecorderFunc) RecordRequest(route string, at time.Time) {
	f(route, at)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Limiter.
type Option func(*Limiter)

// WithMinSpacing sets the minimum gap between admissions on one route.
func WithMinSpacing(d time.Duration) Option {
	return func(l *Limiter) {
		if d >= 0 {
			l.minSpacing = d
		}
	}
}

// WithRecorder adds a recorder notified on every admission.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) {
		if r != nil {
			l.recorders = append(l.recorders, r)
		}
	}
}

// WithClock replaces the wall clock and the sleep function, mainly for tests.
func WithClock(now func() time.Time, sleep SleepFunc) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithLogger sets the logger used for wait diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// bucket holds the admission history of one route.
type bucket struct {
	mu        sync.Mutex
	windows   []Window
	retention time.Duration
	stamps    []time.Time // ascending
	last      time.Time
}

// Limiter enforces per-route sliding-window quotas.
// Safe for concurrent use; admissions on one route are serialized.
type Limiter struct {
	table      Table
	minSpacing time.Duration
	recorders  []Recorder
	now        func() time.Time
	sleep      SleepFunc
	logger     *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a limiter over the given table.
func New(table Table, opts ...Option) *Limiter {
	l := &Limiter{
		table:      table,
		minSpacing: DefaultMinSpacing,
		now:        time.Now,
		sleep:      sleepContext,
		logger:     slog.New(slog.DiscardHandler),
		buckets:    make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until one more call on route fits in every window of its
// bucket, records the call and notifies recorders. The only error returned is
// the context's, when it ends while waiting; nothing is recorded in that case.
func (l *Limiter) Acquire(ctx context.Context, route string) error {
	b := l.bucketFor(route)

	for {
		b.mu.Lock()
		now := l.now()
		wait := b.waitLocked(now, l.minSpacing)
		if wait <= 0 {
			b.stamps = append(b.stamps, now)
			b.last = now
			b.mu.Unlock()

			for _, r := range l.recorders {
				r.RecordRequest(route, now)
			}
			return nil
		}
		b.mu.Unlock()

		l.logger.Debug("Rate limit wait",
			slog.String("route", route),
			slog.Duration("wait", wait),
		)

		// Another caller may take the slot while we sleep, so re-check after.
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// WindowStats reports the current usage of one window.
type WindowStats struct {
	Window   Window
	InWindow int
}

// Stats returns the usage of every window of route at the current time.
func (l *Limiter) Stats(route string) []WindowStats {
	b := l.bucketFor(route)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.pruneLocked(now)
	stats := make([]WindowStats, len(b.windows))
	for i, w := range b.windows {
		stats[i] = WindowStats{Window: w, InWindow: len(b.inWindowLocked(now, w.Duration))}
	}
	return stats
}

func (l *Limiter) bucketFor(route string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[route]; ok {
		return b
	}

	windows, known := l.table.Lookup(route)
	if !known {
		l.logger.Debug("Unknown rate limit route, using default bucket",
			slog.String("route", route),
			slog.String("bucket", FormatBucket(windows)),
		)
	}

	retention := minRetention
	for _, w := range windows {
		if w.Duration > retention {
			retention = w.Duration
		}
	}

	b := &bucket{windows: windows, retention: retention}
	l.buckets[route] = b
	return b
}

// waitLocked returns how long the caller must wait before being admitted at now.
func (b *bucket) waitLocked(now time.Time, minSpacing time.Duration) time.Duration {
	b.pruneLocked(now)

	var wait time.Duration
	for _, w := range b.windows {
		in := b.inWindowLocked(now, w.Duration)
		if len(in) < w.Limit {
			continue
		}
		// Once this stamp leaves the window, exactly limit-1 calls remain in it.
		expireAt := in[len(in)-w.Limit].Add(w.Duration)
		if d := expireAt.Sub(now); d > wait {
			wait = d
		}
	}

	if !b.last.IsZero() {
		if elapsed := now.Sub(b.last); elapsed < minSpacing && minSpacing-elapsed > wait {
			wait = minSpacing - elapsed
		}
	}
	return wait
}

func (b *bucket) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.retention)
	i := sort.Search(len(b.stamps), func(i int) bool { return b.stamps[i].After(cutoff) })
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}
}

// inWindowLocked returns the stamps strictly younger than d.
func (b *bucket) inWindowLocked(now time.Time, d time.Duration) []time.Time {
	cutoff := now.Add(-d)
	i := sort.Search(len(b.stamps), func(i int) bool { return b.stamps[i].After(cutoff) })
	return b.stamps[i:]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
