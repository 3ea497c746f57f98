package apistats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_Windows(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(WithClock(func() time.Time { return now }))

	// One expired, one within the hour, one within the minute, two within the second.
	c.RecordRequest("match", now.Add(-2*time.Hour))
	c.RecordRequest("match", now.Add(-30*time.Minute))
	c.RecordRequest("account", now.Add(-30*time.Second))
	c.RecordRequest("match", now.Add(-500*time.Millisecond))
	c.RecordRequest("match", now)

	s := c.Snapshot()
	assert.Equal(t, 2, s.RequestsLastSecond)
	assert.Equal(t, 3, s.RequestsLastMinute)
	assert.Equal(t, 4, s.RequestsLastHour)
	assert.Equal(t, map[string]int64{"match": 4, "account": 1}, s.RequestsByRoute)
}

func TestCounter_OutOfOrderEvents(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(WithClock(func() time.Time { return now }))

	c.RecordRequest("match", now)
	c.RecordRequest("match", now.Add(-10*time.Minute))
	c.RecordRequest("match", now.Add(-200*time.Millisecond))

	s := c.Snapshot()
	assert.Equal(t, 2, s.RequestsLastSecond)
	assert.Equal(t, 3, s.RequestsLastHour)
}

func TestCounter_Throttled(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(WithClock(func() time.Time { return now }))

	c.RecordThrottled("league-entries-by-puuid", now.Add(-2*time.Hour))
	c.RecordThrottled("league-entries-by-puuid", now.Add(-time.Minute))

	s := c.Snapshot()
	assert.Equal(t, 1, s.ThrottledLastHour)
	assert.Equal(t, int64(2), s.ThrottledTotal)

	c.ResetThrottled()
	s = c.Snapshot()
	assert.Zero(t, s.ThrottledLastHour)
	assert.Zero(t, s.ThrottledTotal)
}

func TestCounter_BoundedRetention(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(WithClock(func() time.Time { return now }))

	for i := range MaxEntries + 10 {
		c.RecordRequest("match", now.Add(-time.Duration(MaxEntries+10-i)*time.Millisecond))
	}

	s := c.Snapshot()
	assert.Equal(t, MaxEntries, s.RequestsLastHour)
	assert.Equal(t, int64(MaxEntries+10), s.RequestsByRoute["match"])
}

func TestCounter_Concurrent(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.RecordRequest("match", time.Now())
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	require.Equal(t, int64(800), s.RequestsByRoute["match"])
	assert.Equal(t, 800, s.RequestsLastHour)
}
