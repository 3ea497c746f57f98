// Package apiclient calls the quota'd game API. Every HTTP attempt first takes
// a slot from the rate limiter for its route, and failed attempts are retried
// with the configured backoff policy.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/quota-harvester/internal/retry"
)

// Route names, as keyed in the rate limit table.
const (
	RouteLeagueEntriesByPUUID = "league-entries-by-puuid"
	RouteMatch                = "match"
)

// RankedSoloQueue is the queue type whose rank is backfilled.
const RankedSoloQueue = "RANKED_SOLO_5x5"

const maxErrorBody = 4 << 10

// Config holds API endpoints and credentials.
type Config struct {
	PlatformURLs map[string]string `yaml:"platform_urls"`
	RegionalURL  string            `yaml:"regional_url"`
	APIKey       string            `yaml:"api_key"`
	Timeout      time.Duration     `yaml:"timeout"`
}

// Acquirer admits one call on a route, waiting as long as the quota requires.
type Acquirer interface {
	Acquire(ctx context.Context, route string) error
}

// ThrottleRecorder is told about every 429 response.
type ThrottleRecorder interface {
	RecordThrottled(route string, at time.Time)
}

// Client is safe for concurrent use.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  Acquirer
	retry    *retry.Executor
	throttle []ThrottleRecorder
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithThrottleRecorder adds a recorder notified on every 429.
func WithThrottleRecorder(r ThrottleRecorder) Option {
	return func(c *Client) {
		if r != nil {
			c.throttle = append(c.throttle, r)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client. limiter and executor are required.
func New(cfg Config, limiter Acquirer, executor *retry.Executor, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if limiter == nil || executor == nil {
		return nil, errors.New("rate limiter and retry executor are required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		retry:   executor,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LeagueEntry is one ranked queue standing of a player.
type LeagueEntry struct {
	QueueType    string `json:"queueType"`
	PUUID        string `json:"puuid"`
	Tier         string `json:"tier"`
	Rank         string `json:"rank"`
	LeaguePoints int    `json:"leaguePoints"`
	Wins         int    `json:"wins"`
	Losses       int    `json:"losses"`
}

// SoloQueueEntry returns the player's ranked solo standing, or nil when the
// player has none (unranked, decayed or unknown to the API).
func (c *Client) SoloQueueEntry(ctx context.Context, platform, puuid string) (*LeagueEntry, error) {
	base, ok := c.cfg.PlatformURLs[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	endpoint := strings.TrimRight(base, "/") + "/lol/league/v4/entries/by-puuid/" + url.PathEscape(puuid)

	var entries []LeagueEntry
	err := c.get(ctx, RouteLeagueEntriesByPUUID, endpoint, &entries)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].QueueType == RankedSoloQueue {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// Match is the subset of a match document the backfill reads.
type Match struct {
	Metadata struct {
		MatchID string `json:"matchId"`
	} `json:"metadata"`
	Info struct {
		QueueID      int                `json:"queueId"`
		GameVersion  string             `json:"gameVersion"`
		Participants []MatchParticipant `json:"participants"`
	} `json:"info"`
}

// MatchParticipant is one player of a match.
type MatchParticipant struct {
	PUUID              string `json:"puuid"`
	TeamID             int    `json:"teamId"`
	ChampionID         int    `json:"championId"`
	TeamPosition       string `json:"teamPosition"`
	IndividualPosition string `json:"individualPosition"`
}

// Role is the participant's position, preferring the team-assigned one.
func (p MatchParticipant) Role() string {
	if p.TeamPosition != "" {
		return p.TeamPosition
	}
	if p.IndividualPosition != "" && p.IndividualPosition != "Invalid" {
		return p.IndividualPosition
	}
	return ""
}

// Match fetches a full match by id.
func (c *Client) Match(ctx context.Context, matchID string) (*Match, error) {
	endpoint := strings.TrimRight(c.cfg.RegionalURL, "/") + "/lol/match/v5/matches/" + url.PathEscape(matchID)

	var m Match
	if err := c.get(ctx, RouteMatch, endpoint, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// get performs one logical GET: each attempt waits for the limiter, and
// retryable failures go back through the retry policy.
func (c *Client) get(ctx context.Context, route, endpoint string, out any) error {
	_, err := retry.Do(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		if err := c.limiter.Acquire(ctx, route); err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		return struct{}{}, c.do(ctx, route, endpoint, out)
	})
	return err
}

func (c *Client) do(ctx context.Context, route, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%s: failed to build request: %w", route, err))
	}
	req.Header.Set("X-Riot-Token", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		return fmt.Errorf("%s: request failed: %w", route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{
			Route:      route,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}

		if se.Throttled() {
			now := time.Now()
			for _, r := range c.throttle {
				r.RecordThrottled(route, now)
			}
			c.logger.Warn("API throttled request",
				slog.String("route", route),
				slog.String("retry_after", resp.Header.Get("Retry-After")),
			)
		}

		if !se.Retryable() {
			return retry.Permanent(se)
		}
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("%s: failed to decode response: %w", route, err))
	}
	return nil
}

// errorMessage extracts status.message from an API error body.
func errorMessage(body []byte) string {
	var payload struct {
		Status struct {
			Message string `json:"message"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Status.Message != "" {
		return payload.Status.Message
	}
	return strings.TrimSpace(string(body))
}
