package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/quota-harvester/internal/retry"
)

type countingLimiter struct {
	mu     sync.Mutex
	routes []string
	err    error
}

func (l *countingLimiter) Acquire(_ context.Context, route string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routes = append(l.routes, route)
	return l.err
}

type throttleLog struct {
	mu     sync.Mutex
	routes []string
}

func (t *throttleLog) RecordThrottled(route string, _ time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, route)
}

func newTestClient(t *testing.T, srv *httptest.Server, limiter Acquirer, opts ...Option) *Client {
	t.Helper()

	executor := retry.NewExecutor(retry.Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2,
	}, retry.WithSleeper(func(context.Context, time.Duration) error { return nil }))

	c, err := New(Config{
		PlatformURLs: map[string]string{"euw1": srv.URL},
		RegionalURL:  srv.URL,
		APIKey:       "RGAPI-test",
		Timeout:      time.Second,
	}, limiter, executor, opts...)
	require.NoError(t, err)
	return c
}

func TestSoloQueueEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "RGAPI-test", r.Header.Get("X-Riot-Token"))
		assert.Equal(t, "/lol/league/v4/entries/by-puuid/abc-123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"queueType": "RANKED_FLEX_SR", "tier": "SILVER", "rank": "I", "leaguePoints": 10},
			{"queueType": "RANKED_SOLO_5x5", "tier": "GOLD", "rank": "II", "leaguePoints": 57}
		]`))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	c := newTestClient(t, srv, limiter)

	entry, err := c.SoloQueueEntry(context.Background(), "euw1", "abc-123")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "GOLD", entry.Tier)
	assert.Equal(t, "II", entry.Rank)
	assert.Equal(t, 57, entry.LeaguePoints)
	assert.Equal(t, []string{RouteLeagueEntriesByPUUID}, limiter.routes)
}

func TestSoloQueueEntry_Unranked(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"no entries", http.StatusOK, `[]`},
		{"flex only", http.StatusOK, `[{"queueType": "RANKED_FLEX_SR", "tier": "SILVER"}]`},
		{"not found", http.StatusNotFound, `{"status": {"message": "Data not found", "status_code": 404}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			c := newTestClient(t, srv, &countingLimiter{})
			entry, err := c.SoloQueueEntry(context.Background(), "euw1", "abc")
			require.NoError(t, err)
			assert.Nil(t, entry)
		})
	}
}

func TestSoloQueueEntry_UnknownPlatform(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	limiter := &countingLimiter{}
	c := newTestClient(t, srv, limiter)

	_, err := c.SoloQueueEntry(context.Background(), "kr", "abc")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.Empty(t, limiter.routes, "no quota is spent on a request that cannot be built")
}

func TestMatch_RetriesThrottledThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"status": {"message": "Rate limit exceeded", "status_code": 429}}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"metadata": {"matchId": "EUW1_7000000000"},
			"info": {"queueId": 420, "participants": [
				{"puuid": "p1", "teamId": 100, "teamPosition": "JUNGLE"},
				{"puuid": "p2", "teamId": 200, "teamPosition": "", "individualPosition": "BOTTOM"}
			]}
		}`))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	throttled := &throttleLog{}
	c := newTestClient(t, srv, limiter, WithThrottleRecorder(throttled))

	m, err := c.Match(context.Background(), "EUW1_7000000000")
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{RouteMatch, RouteMatch, RouteMatch}, limiter.routes, "every attempt takes a limiter slot")
	assert.Equal(t, []string{RouteMatch, RouteMatch}, throttled.routes)

	assert.Equal(t, "EUW1_7000000000", m.Metadata.MatchID)
	assert.Equal(t, 420, m.Info.QueueID)
	require.Len(t, m.Info.Participants, 2)
	assert.Equal(t, "JUNGLE", m.Info.Participants[0].Role())
	assert.Equal(t, "BOTTOM", m.Info.Participants[1].Role())
}

func TestMatch_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status": {"message": "Forbidden", "status_code": 403}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &countingLimiter{})
	_, err := c.Match(context.Background(), "EUW1_1")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Equal(t, "Forbidden", se.Message)
	assert.False(t, IsThrottled(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMatch_ServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, &countingLimiter{})
	_, err := c.Match(context.Background(), "EUW1_1")

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, int32(4), calls.Load(), "max_retries+1 attempts")
}

func TestMatch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := newTestClient(t, srv, &countingLimiter{})
	_, err := c.Match(context.Background(), "EUW1_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_LimiterErrorStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	}))
	defer srv.Close()

	limiter := &countingLimiter{err: context.Canceled}
	c := newTestClient(t, srv, limiter)

	_, err := c.Match(context.Background(), "EUW1_1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, limiter.routes, 1)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, &countingLimiter{}, retry.NewExecutor(retry.DefaultPolicy()))
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}
