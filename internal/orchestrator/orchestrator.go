// Package orchestrator drives a backfill job in bounded rounds until no work
// of any kind remains, checking for a cooperative stop between units.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
)

// Progress phases published to the checkpoint store.
const (
	PhaseStarting   = "starting"
	PhaseRound      = "round"
	PhaseRefreshing = "refreshing"
	PhaseDone       = "done"
)

var (
	// ErrNoKinds is returned when a run is configured without any work kind.
	ErrNoKinds = errors.New("at least one work kind is required")

	// ErrDuplicateKind is returned when two kinds share a name.
	ErrDuplicateKind = errors.New("duplicate work kind")

	// ErrEmptyJobID is returned when a run has no job id.
	ErrEmptyJobID = errors.New("job id cannot be empty")
)

// BatchResult is what one bounded batch achieved.
type BatchResult struct {
	Updated   int
	Errors    int
	Processed int
}

// RefreshResult is what a refresh step achieved.
type RefreshResult struct {
	Updated int
}

// DataSource is the data-access side of a backfill.
//
// ProcessBatch handles at most limit units of the kind and should consult
// cancel between units. Per-record failures belong in BatchResult.Errors; a
// returned error aborts the whole run.
type DataSource interface {
	CountMissing(ctx context.Context, kind string) (int, error)
	ProcessBatch(ctx context.Context, kind string, limit int, cancel checkpoint.Token) (BatchResult, error)
	Refresh(ctx context.Context) (RefreshResult, error)
}

// Kind is one independent category of work, processed in configuration order.
type Kind struct {
	Name         string
	Limit        int
	DefaultLimit int
	MaxLimit     int
}

// EffectiveLimit is the per-round batch size: Limit when positive, otherwise
// DefaultLimit, never above MaxLimit when a ceiling is set.
func (k Kind) EffectiveLimit() int {
	limit := k.Limit
	if limit <= 0 {
		limit = k.DefaultLimit
	}
	if limit <= 0 {
		limit = 1
	}
	if k.MaxLimit > 0 && limit > k.MaxLimit {
		limit = k.MaxLimit
	}
	return limit
}

// KindTotals accumulates batch results of one kind over a run.
type KindTotals struct {
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// Summary is the outcome of Run.
type Summary struct {
	State          State
	Rounds         int
	Totals         map[string]KindTotals
	RefreshUpdated int
}

// Config wires a run.
type Config struct {
	JobID string
	Kinds []Kind
	Store checkpoint.Store

	// Cancel defaults to the store's stop marker for JobID.
	Cancel checkpoint.Token

	// PID is published with the starting progress; defaults to os.Getpid().
	PID int

	Logger       *slog.Logger
	OnTransition func(Transition)
}

// Orchestrator runs one job. It is not safe for concurrent Run calls.
type Orchestrator struct {
	cfg    Config
	source DataSource
	cancel checkpoint.Token
	logger *slog.Logger

	state  State
	round  int
	totals map[string]KindTotals
}

// New validates cfg and creates an orchestrator over source.
func New(cfg Config, source DataSource) (*Orchestrator, error) {
	if cfg.JobID == "" {
		return nil, ErrEmptyJobID
	}
	if len(cfg.Kinds) == 0 {
		return nil, ErrNoKinds
	}
	seen := make(map[string]struct{}, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		if _, ok := seen[k.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, k.Name)
		}
		seen[k.Name] = struct{}{}
	}
	if cfg.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if source == nil {
		return nil, errors.New("data source is required")
	}

	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cancel := cfg.Cancel
	if cancel == nil {
		cancel = checkpoint.StopToken(cfg.Store, cfg.JobID)
	}

	return &Orchestrator{
		cfg:    cfg,
		source: source,
		cancel: cancel,
		logger: logger.With(slog.String("job_id", cfg.JobID)),
	}, nil
}

// Run drives the job to Done or Cancelled. Both clear the job's progress and
// stop markers. Any collaborator error ends the run immediately and leaves the
// markers in place so a later run can see the unclean exit.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	o.state = StateStarting
	o.round = 0
	o.totals = make(map[string]KindTotals, len(o.cfg.Kinds))
	for _, k := range o.cfg.Kinds {
		o.totals[k.Name] = KindTotals{}
	}
	refreshed := 0

	o.logger.Info("Backfill starting",
		slog.Int("pid", o.cfg.PID),
		slog.Int("kinds", len(o.cfg.Kinds)),
	)

	if o.cancel.Cancelled(ctx) {
		o.logger.Info("Stop requested before start")
		return o.finishCancelled(ctx, refreshed), nil
	}

	o.publish(ctx, checkpoint.Update{
		PID:     o.cfg.PID,
		Phase:   PhaseStarting,
		Metrics: checkpoint.Metrics{},
	})

	for {
		o.transition(StateCheckingWork)

		if o.cancel.Cancelled(ctx) {
			o.logger.Info("Stop requested", slog.Int("round", o.round))
			return o.finishCancelled(ctx, refreshed), nil
		}

		missing, err := o.countMissing(ctx)
		if err != nil {
			return o.summary(refreshed), err
		}

		if allZero(missing) {
			res, err := o.source.Refresh(ctx)
			if err != nil {
				return o.summary(refreshed), fmt.Errorf("final refresh: %w", err)
			}
			refreshed += res.Updated

			metrics := o.totalsMetrics()
			metrics["refresh_updated"] = refreshed
			o.publish(ctx, checkpoint.Update{Phase: PhaseDone, Metrics: metrics})

			o.transition(StateDone)
			o.clear(ctx)
			o.logger.Info("Backfill done",
				slog.Int("rounds", o.round),
				slog.Int("refresh_updated", refreshed),
				slog.Any("totals", o.totals),
			)
			return o.summary(refreshed), nil
		}

		o.round++
		o.transition(StateProcessingRound)

		metrics := o.totalsMetrics()
		for name, n := range missing {
			metrics["missing_"+name] = n
		}
		o.publish(ctx, checkpoint.Update{Phase: PhaseRound, Metrics: metrics})
		o.logger.Info("Round started",
			slog.Int("round", o.round),
			slog.Any("missing", missing),
		)

		for _, kind := range o.cfg.Kinds {
			if missing[kind.Name] == 0 {
				continue
			}

			if err := o.processKind(ctx, kind, missing[kind.Name]); err != nil {
				return o.summary(refreshed), err
			}

			if o.cancel.Cancelled(ctx) {
				o.logger.Info("Stop requested",
					slog.Int("round", o.round),
					slog.String("after_kind", kind.Name),
				)
				return o.finishCancelled(ctx, refreshed), nil
			}
		}

		o.transition(StateRefreshing)
		o.publish(ctx, checkpoint.Update{Phase: PhaseRefreshing})
		res, err := o.source.Refresh(ctx)
		if err != nil {
			return o.summary(refreshed), fmt.Errorf("refresh after round %d: %w", o.round, err)
		}
		refreshed += res.Updated
	}
}

func (o *Orchestrator) countMissing(ctx context.Context) (map[string]int, error) {
	missing := make(map[string]int, len(o.cfg.Kinds))
	for _, kind := range o.cfg.Kinds {
		n, err := o.source.CountMissing(ctx, kind.Name)
		if err != nil {
			return nil, fmt.Errorf("count missing %s: %w", kind.Name, err)
		}
		if n < 0 {
			n = 0
		}
		missing[kind.Name] = n
	}
	return missing, nil
}

func (o *Orchestrator) processKind(ctx context.Context, kind Kind, missing int) error {
	limit := kind.EffectiveLimit()

	metrics := o.totalsMetrics()
	metrics["missing"] = missing
	metrics["limit"] = limit
	o.publish(ctx, checkpoint.Update{Phase: "backfill-" + kind.Name, Metrics: metrics})

	res, err := o.source.ProcessBatch(ctx, kind.Name, limit, o.cancel)
	if err != nil {
		return fmt.Errorf("process %s batch in round %d: %w", kind.Name, o.round, err)
	}

	t := o.totals[kind.Name]
	t.Updated += res.Updated
	t.Errors += res.Errors
	o.totals[kind.Name] = t

	o.logger.Info("Batch processed",
		slog.Int("round", o.round),
		slog.String("kind", kind.Name),
		slog.Int("limit", limit),
		slog.Int("processed", res.Processed),
		slog.Int("updated", res.Updated),
		slog.Int("errors", res.Errors),
	)
	return nil
}

func (o *Orchestrator) finishCancelled(ctx context.Context, refreshed int) Summary {
	o.transition(StateCancelled)
	o.clear(ctx)
	return o.summary(refreshed)
}

func (o *Orchestrator) transition(to State) {
	from := o.state
	o.state = to
	o.logger.Debug("State transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("round", o.round),
	)
	if o.cfg.OnTransition != nil {
		o.cfg.OnTransition(Transition{From: from, To: to, Round: o.round})
	}
}

// publish writes progress; storage failures are logged, never fatal.
func (o *Orchestrator) publish(ctx context.Context, u checkpoint.Update) {
	if err := o.cfg.Store.WriteProgress(ctx, o.cfg.JobID, u); err != nil {
		o.logger.Warn("Failed to write progress",
			slog.String("phase", u.Phase),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) clear(ctx context.Context) {
	if err := o.cfg.Store.Clear(ctx, o.cfg.JobID); err != nil {
		o.logger.Warn("Failed to clear checkpoint", slog.Any("error", err))
	}
}

func (o *Orchestrator) totalsMetrics() checkpoint.Metrics {
	m := checkpoint.Metrics{"round": o.round}
	for name, t := range o.totals {
		m["total_"+name+"_updated"] = t.Updated
		m["total_"+name+"_errors"] = t.Errors
	}
	return m
}

func (o *Orchestrator) summary(refreshed int) Summary {
	totals := make(map[string]KindTotals, len(o.totals))
	for k, v := range o.totals {
		totals[k] = v
	}
	return Summary{
		State:          o.state,
		Rounds:         o.round,
		Totals:         totals,
		RefreshUpdated: refreshed,
	}
}

func allZero(missing map[string]int) bool {
	for _, n := range missing {
		if n > 0 {
			return false
		}
	}
	return true
}
