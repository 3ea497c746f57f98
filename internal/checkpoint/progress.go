// Package checkpoint persists the externally visible status of running jobs
// and the cooperative stop flag they poll between units of work.
//
// A job writes its phase and metrics with WriteProgress; operators read them
// with ReadProgress or ListProgress and ask the job to stop with RequestStop.
// Storage failures never surface as fatal errors to the job: a missing or
// unreadable record reads as "no progress" and a failed stop lookup reads as
// "not stopped".
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

// PhaseIdle is the phase of a record created without an explicit phase.
const PhaseIdle = "idle"

// Metrics holds named job counters. Values are numbers, strings or booleans;
// integers are stored as int64 and other numbers as float64.
type Metrics map[string]any

// UnmarshalJSON decodes metrics keeping integers as int64.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	out := make(Metrics, len(raw))
	for k, v := range raw {
		out[k] = normalizeValue(v)
	}
	*m = out
	return nil
}

func (m Metrics) clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return float64(n)
	case float64, string, bool:
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		return fmt.Sprint(n)
	}
}

// Progress is the persisted status of one job.
type Progress struct {
	JobID         string    `json:"job_id"`
	PID           int       `json:"pid,omitempty"`
	Phase         string    `json:"phase"`
	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Metrics       Metrics   `json:"metrics"`
}

// Update is a partial progress write. A zero PID or an empty Phase leaves the
// stored value unchanged; Metrics are merged key by key.
type Update struct {
	PID     int
	Phase   string
	Metrics Metrics
}

// merge applies u on top of existing (nil when the job has no record yet).
// StartedAt is only set on creation and LastUpdatedAt never moves backwards.
func merge(existing *Progress, jobID string, u Update, now time.Time) Progress {
	var next Progress
	if existing == nil {
		next = Progress{
			JobID:     jobID,
			Phase:     PhaseIdle,
			StartedAt: now,
			Metrics:   Metrics{},
		}
	} else {
		next = *existing
		next.Metrics = existing.Metrics.clone()
	}

	if u.PID != 0 {
		next.PID = u.PID
	}
	if u.Phase != "" {
		next.Phase = u.Phase
	}
	for k, v := range u.Metrics {
		next.Metrics[k] = normalizeValue(v)
	}
	if next.StartedAt.IsZero() {
		next.StartedAt = now
	}
	if now.After(next.LastUpdatedAt) {
		next.LastUpdatedAt = now
	}
	return next
}

// Store persists progress records and stop markers keyed by job id.
type Store interface {
	// WriteProgress merges u into the job's record, creating it if needed.
	WriteProgress(ctx context.Context, jobID string, u Update) error

	// ReadProgress returns the job's record; ok is false when it is absent or unreadable.
	ReadProgress(ctx context.Context, jobID string) (p *Progress, ok bool)

	// ListProgress returns every readable record, sorted by job id.
	ListProgress(ctx context.Context) []Progress

	// IsStopRequested reports whether a stop marker exists for the job.
	IsStopRequested(ctx context.Context, jobID string) bool

	// RequestStop creates the job's stop marker. Idempotent.
	RequestStop(ctx context.Context, jobID string) error

	// Clear deletes both the progress record and the stop marker. Idempotent.
	Clear(ctx context.Context, jobID string) error
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger used to report soft storage failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// timestamp returns the store's notion of now, in UTC at millisecond precision.
func (o options) timestamp() time.Time {
	return o.now().UTC().Truncate(time.Millisecond)
}

var unsafeJobIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SafeName maps a job id to a string usable as a file name.
func SafeName(jobID string) string {
	return unsafeJobIDChars.ReplaceAllString(jobID, "_")
}
