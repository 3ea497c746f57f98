package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore keeps progress records and stop markers in two tables, for
// deployments where the harvester and the status API do not share a disk.
type PostgresStore struct {
	db   *sqlx.DB
	opts options
}

// NewPostgresStore creates a store over db. Call EnsureSchema before first use.
func NewPostgresStore(db *sqlx.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{
		db:   db,
		opts: newOptions(opts),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS job_progress (
	job_id          TEXT PRIMARY KEY,
	pid             INTEGER,
	phase           TEXT NOT NULL,
	metrics         JSONB NOT NULL DEFAULT '{}'::jsonb,
	started_at      TIMESTAMPTZ NOT NULL,
	last_updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_stop_requests (
	job_id       TEXT PRIMARY KEY,
	requested_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the checkpoint tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create checkpoint tables: %w", err)
	}
	return nil
}

// progressRow mirrors a job_progress row.
type progressRow struct {
	JobID         string        `db:"job_id"`
	PID           sql.NullInt64 `db:"pid"`
	Phase         string        `db:"phase"`
	Metrics       []byte        `db:"metrics"`
	StartedAt     time.Time     `db:"started_at"`
	LastUpdatedAt time.Time     `db:"last_updated_at"`
}

func (r progressRow) toProgress() (*Progress, error) {
	p := &Progress{
		JobID:         r.JobID,
		Phase:         r.Phase,
		StartedAt:     r.StartedAt.UTC(),
		LastUpdatedAt: r.LastUpdatedAt.UTC(),
		Metrics:       Metrics{},
	}
	if r.PID.Valid {
		p.PID = int(r.PID.Int64)
	}
	if len(r.Metrics) > 0 {
		if err := json.Unmarshal(r.Metrics, &p.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
	}
	return p, nil
}

// WriteProgress upserts the job's row in a single statement; the merge of
// metrics and the monotonic last_updated_at happen inside Postgres.
func (s *PostgresStore) WriteProgress(ctx context.Context, jobID string, u Update) error {
	metrics := make(Metrics, len(u.Metrics))
	for k, v := range u.Metrics {
		metrics[k] = normalizeValue(v)
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	query := `
		INSERT INTO job_progress (job_id, pid, phase, metrics, started_at, last_updated_at)
		VALUES ($1, NULLIF($2::integer, 0), COALESCE(NULLIF($3::text, ''), $4::text), $5::jsonb, $6, $6)
		ON CONFLICT (job_id) DO UPDATE
		SET pid = COALESCE(EXCLUDED.pid, job_progress.pid),
		    phase = COALESCE(NULLIF($3::text, ''), job_progress.phase),
		    metrics = job_progress.metrics || EXCLUDED.metrics,
		    last_updated_at = GREATEST(job_progress.last_updated_at, EXCLUDED.last_updated_at)
	`

	_, err = s.db.ExecContext(ctx, query, jobID, u.PID, u.Phase, PhaseIdle, metricsJSON, s.opts.timestamp())
	if err != nil {
		return fmt.Errorf("failed to write progress for %s: %w", jobID, err)
	}
	return nil
}

// ReadProgress loads the job's row.
func (s *PostgresStore) ReadProgress(ctx context.Context, jobID string) (*Progress, bool) {
	query := `
		SELECT job_id, pid, phase, metrics, started_at, last_updated_at
		FROM job_progress
		WHERE job_id = $1
	`

	var row progressRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.opts.logger.Warn("Failed to read progress",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
		return nil, false
	}

	p, err := row.toProgress()
	if err != nil {
		s.opts.logger.Warn("Ignoring corrupt progress row",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return nil, false
	}
	return p, true
}

// ListProgress loads every readable row.
func (s *PostgresStore) ListProgress(ctx context.Context) []Progress {
	query := `
		SELECT job_id, pid, phase, metrics, started_at, last_updated_at
		FROM job_progress
		ORDER BY job_id
	`

	var rows []progressRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		s.opts.logger.Warn("Failed to list progress", slog.Any("error", err))
		return nil
	}

	out := make([]Progress, 0, len(rows))
	for _, row := range rows {
		p, err := row.toProgress()
		if err != nil {
			s.opts.logger.Warn("Ignoring corrupt progress row",
				slog.String("job_id", row.JobID),
				slog.Any("error", err),
			)
			continue
		}
		out = append(out, *p)
	}
	return out
}

// IsStopRequested reports whether a stop row exists for the job.
func (s *PostgresStore) IsStopRequested(ctx context.Context, jobID string) bool {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM job_stop_requests WHERE job_id = $1)`, jobID)
	if err != nil {
		s.opts.logger.Warn("Failed to check stop request, assuming none",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return false
	}
	return exists
}

// RequestStop inserts the job's stop row if it is not there yet.
func (s *PostgresStore) RequestStop(ctx context.Context, jobID string) error {
	query := `
		INSERT INTO job_stop_requests (job_id, requested_at)
		VALUES ($1, $2)
		ON CONFLICT (job_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, jobID, s.opts.timestamp()); err != nil {
		return fmt.Errorf("failed to write stop request for %s: %w", jobID, err)
	}
	return nil
}

// Clear deletes the job's progress and stop rows in one transaction.
func (s *PostgresStore) Clear(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_stop_requests WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete stop request for %s: %w", jobID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_progress WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete progress for %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint clear: %w", err)
	}
	return nil
}
