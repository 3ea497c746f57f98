package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/quota-harvester/internal/apistats"
	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
	"github.com/cuongbtq/quota-harvester/internal/ratelimit"
)

// StatsSource is the request counter behind /api/v1/api-stats.
type StatsSource interface {
	Snapshot() apistats.Snapshot
	ResetThrottled()
}

// HealthCheck reports an unhealthy dependency by returning an error.
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Store      checkpoint.Store
	Stats      StatsSource
	Routes     ratelimit.Table
	Checks     map[string]HealthCheck
	StaleAfter time.Duration
	Now        func() time.Time
}

func (d *Dependencies) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	store      checkpoint.Store
	staleAfter time.Duration
	now        func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		store:      deps.Store,
		staleAfter: deps.StaleAfter,
		now:        deps.now,
	}
}

// StatsHandler serves the API request counters.
type StatsHandler struct {
	logger *slog.Logger
	stats  StatsSource
	routes ratelimit.Table
}

// NewStatsHandler creates a new StatsHandler instance
func NewStatsHandler(deps *Dependencies) *StatsHandler {
	return &StatsHandler{
		logger: deps.Logger,
		stats:  deps.Stats,
		routes: deps.Routes,
	}
}
