package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// admissions collects the timestamps reported to the recorder.
type admissions struct {
	mu    sync.Mutex
	times map[string][]time.Time
}

func (a *admissions) RecordRequest(route string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.times == nil {
		a.times = make(map[string][]time.Time)
	}
	a.times[route] = append(a.times[route], at)
}

func (a *admissions) get(route string) []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.times[route]...)
}

// assertWithinQuota checks that, at every admission instant, no window holds
// more admissions than its limit.
func assertWithinQuota(t *testing.T, stamps []time.Time, windows []Window) {
	t.Helper()
	for _, at := range stamps {
		for _, w := range windows {
			count := 0
			for _, s := range stamps {
				if !s.After(at) && s.After(at.Add(-w.Duration)) {
					count++
				}
			}
			assert.LessOrEqual(t, count, w.Limit, "window %s exceeded at %s", w, at)
		}
	}
}

func TestLimiter_Acquire_NeverExceedsWindows(t *testing.T) {
	windows := []Window{
		{Limit: 3, Duration: time.Second},
		{Limit: 5, Duration: 10 * time.Second},
	}
	clock := newFakeClock()
	rec := &admissions{}
	l := New(NewTable(map[string][]Window{"match": windows}, nil),
		WithClock(clock.Now, clock.Sleep),
		WithRecorder(rec),
	)

	for range 12 {
		require.NoError(t, l.Acquire(context.Background(), "match"))
	}

	stamps := rec.get("match")
	require.Len(t, stamps, 12)
	assertWithinQuota(t, stamps, windows)

	// 12 calls at 5 per 10s need two full long windows of waiting.
	elapsed := stamps[len(stamps)-1].Sub(stamps[0])
	assert.GreaterOrEqual(t, elapsed, 20*time.Second)
}

func TestLimiter_Acquire_WaitUntilOldestExpires(t *testing.T) {
	clock := newFakeClock()
	l := New(NewTable(map[string][]Window{"league": {{Limit: 2, Duration: 10 * time.Second}}}, nil),
		WithClock(clock.Now, clock.Sleep),
		WithMinSpacing(0),
	)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "league"))
	clock.Advance(3 * time.Second)
	require.NoError(t, l.Acquire(ctx, "league"))
	assert.Empty(t, clock.slept)

	require.NoError(t, l.Acquire(ctx, "league"))
	// First stamp at t0 expires at t0+10s; we were at t0+3s.
	assert.Equal(t, []time.Duration{7 * time.Second}, clock.slept)
}

func TestLimiter_Acquire_MinSpacing(t *testing.T) {
	clock := newFakeClock()
	l := New(NewTable(nil, []Window{{Limit: 1000, Duration: time.Minute}}),
		WithClock(clock.Now, clock.Sleep),
		WithMinSpacing(5*time.Millisecond),
	)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "account"))
	clock.Advance(2 * time.Millisecond)
	require.NoError(t, l.Acquire(ctx, "account"))

	assert.Equal(t, []time.Duration{3 * time.Millisecond}, clock.slept)
}

func TestLimiter_Acquire_UnknownRouteUsesDefault(t *testing.T) {
	clock := newFakeClock()
	rec := &admissions{}
	def := []Window{{Limit: 2, Duration: time.Minute}}
	l := New(NewTable(map[string][]Window{"match": {{Limit: 100, Duration: time.Second}}}, def),
		WithClock(clock.Now, clock.Sleep),
		WithRecorder(rec),
		WithMinSpacing(0),
	)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, l.Acquire(ctx, "no-such-route"))
	}

	assert.Equal(t, []time.Duration{time.Minute}, clock.slept)
	assertWithinQuota(t, rec.get("no-such-route"), def)
}

func TestLimiter_Acquire_RoutesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(NewTable(map[string][]Window{
		"a": {{Limit: 1, Duration: time.Hour}},
		"b": {{Limit: 1, Duration: time.Hour}},
	}, nil), WithClock(clock.Now, clock.Sleep), WithMinSpacing(0))
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "a"))
	require.NoError(t, l.Acquire(ctx, "b"))
	assert.Empty(t, clock.slept)
}

func TestLimiter_Acquire_ContextCancelled(t *testing.T) {
	l := New(NewTable(map[string][]Window{"slow": {{Limit: 1, Duration: time.Hour}}}, nil))
	rec := &admissions{}
	l.recorders = append(l.recorders, rec)

	require.NoError(t, l.Acquire(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, rec.get("slow"), 1, "a cancelled wait must not be recorded")
}

func TestLimiter_Acquire_Concurrent(t *testing.T) {
	windows := []Window{{Limit: 4, Duration: 40 * time.Millisecond}}
	rec := &admissions{}
	l := New(NewTable(map[string][]Window{"match": windows}, nil),
		WithRecorder(rec),
		WithMinSpacing(time.Millisecond),
	)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background(), "match"))
		}()
	}
	wg.Wait()

	stamps := rec.get("match")
	require.Len(t, stamps, 16)
	assertWithinQuota(t, stamps, windows)
}

func TestLimiter_Stats(t *testing.T) {
	clock := newFakeClock()
	l := New(NewTable(map[string][]Window{"match": {
		{Limit: 10, Duration: time.Second},
		{Limit: 100, Duration: time.Minute},
	}}, nil), WithClock(clock.Now, clock.Sleep), WithMinSpacing(0))
	ctx := context.Background()

	for range 3 {
		require.NoError(t, l.Acquire(ctx, "match"))
	}
	clock.Advance(2 * time.Second)
	require.NoError(t, l.Acquire(ctx, "match"))

	stats := l.Stats("match")
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[0].InWindow)
	assert.Equal(t, 4, stats[1].InWindow)
}

func TestLimiter_PrunesOldStamps(t *testing.T) {
	clock := newFakeClock()
	l := New(NewTable(map[string][]Window{"match": {{Limit: 10, Duration: time.Second}}}, nil),
		WithClock(clock.Now, clock.Sleep), WithMinSpacing(0))
	ctx := context.Background()

	for range 5 {
		require.NoError(t, l.Acquire(ctx, "match"))
	}
	clock.Advance(2 * time.Minute)
	require.NoError(t, l.Acquire(ctx, "match"))

	b := l.bucketFor("match")
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Len(t, b.stamps, 1)
}

func TestTable(t *testing.T) {
	tests := []struct {
		name      string
		table     Table
		wantErr   bool
		errString string
	}{
		{
			name: "valid table",
			table: NewTable(map[string][]Window{
				"champion-rotations": {{Limit: 30, Duration: 10 * time.Second}, {Limit: 500, Duration: 10 * time.Minute}},
			}, nil),
		},
		{
			name:      "empty bucket",
			table:     NewTable(map[string][]Window{"match": {}}, nil),
			wantErr:   true,
			errString: "at least one window",
		},
		{
			name:      "zero limit",
			table:     NewTable(map[string][]Window{"match": {{Limit: 0, Duration: time.Second}}}, nil),
			wantErr:   true,
			errString: `route "match"`,
		},
		{
			name:      "bad default",
			table:     NewTable(nil, []Window{{Limit: 1, Duration: 0}}),
			wantErr:   true,
			errString: "default bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.table.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}

	t.Run("lookup falls back to default", func(t *testing.T) {
		table := NewTable(map[string][]Window{"match": {{Limit: 2000, Duration: 10 * time.Second}}}, nil)

		windows, known := table.Lookup("match")
		assert.True(t, known)
		assert.Equal(t, "2000/10s", FormatBucket(windows))

		windows, known = table.Lookup("missing")
		assert.False(t, known)
		assert.Equal(t, DefaultBucket(), windows)
	})
}
