package backfill

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Storage handles the match and participant queries of the backfill.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the matches and participants tables if needed.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create backfill tables: %w", err)
	}
	return nil
}

// CountMissingRank counts participants without a rank tier.
func (s *Storage) CountMissingRank(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM participants WHERE rank_tier IS NULL`); err != nil {
		return 0, fmt.Errorf("failed to count participants missing rank: %w", err)
	}
	return n, nil
}

// CountMissingRole counts participants without a team position.
func (s *Storage) CountMissingRole(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM participants WHERE team_position IS NULL`); err != nil {
		return 0, fmt.Errorf("failed to count participants missing role: %w", err)
	}
	return n, nil
}

// PendingRankPlayers returns up to limit distinct players with an unranked
// participant row, each with the region of one of their matches.
func (s *Storage) PendingRankPlayers(ctx context.Context, limit int) ([]Player, error) {
	query := `
		SELECT p.puuid, MIN(m.region) AS region
		FROM participants p
		JOIN matches m ON m.id = p.match_id
		WHERE p.rank_tier IS NULL
		GROUP BY p.puuid
		ORDER BY MIN(p.id)
		LIMIT $1
	`

	var players []Player
	if err := s.db.SelectContext(ctx, &players, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list players missing rank: %w", err)
	}
	return players, nil
}

// SetRank fills the rank of every still-unranked participant row of the player.
func (s *Storage) SetRank(ctx context.Context, puuid string, r Rank) (int, error) {
	query := `
		UPDATE participants
		SET rank_tier = $1, rank_division = $2, rank_lp = $3
		WHERE puuid = $4 AND rank_tier IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, r.Tier, r.Division, r.LP, puuid)
	if err != nil {
		return 0, fmt.Errorf("failed to set rank: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// PendingRoleMatches returns up to limit match ids with a participant missing its role.
func (s *Storage) PendingRoleMatches(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT m.match_id
		FROM matches m
		WHERE EXISTS (
			SELECT 1 FROM participants p
			WHERE p.match_id = m.id AND p.team_position IS NULL
		)
		ORDER BY m.id
		LIMIT $1
	`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list matches missing roles: %w", err)
	}
	return ids, nil
}

// SetRoles writes the position of each listed player of the match. Participants
// of the match missing from roles get fallback so they are not selected again.
func (s *Storage) SetRoles(ctx context.Context, matchID string, roles map[string]string, fallback string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := `
		UPDATE participants p
		SET team_position = $1
		FROM matches m
		WHERE m.id = p.match_id AND m.match_id = $2 AND p.puuid = $3 AND p.team_position IS NULL
	`

	updated := 0
	for puuid, role := range roles {
		result, err := tx.ExecContext(ctx, update, role, matchID, puuid)
		if err != nil {
			return 0, fmt.Errorf("failed to set role: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		updated += int(rows)
	}

	rest := `
		UPDATE participants p
		SET team_position = $1
		FROM matches m
		WHERE m.id = p.match_id AND m.match_id = $2 AND p.team_position IS NULL
	`
	result, err := tx.ExecContext(ctx, rest, fallback, matchID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark remaining participants: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.logger.Warn("Participants missing from match document",
			slog.String("match_id", matchID),
			slog.Int64("count", rows),
		)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit roles: %w", err)
	}
	return updated, nil
}

// RankedParticipants returns every participant with a real ranked tier.
func (s *Storage) RankedParticipants(ctx context.Context) ([]RankedParticipant, error) {
	query := `
		SELECT m.match_id, p.rank_tier, p.rank_division, COALESCE(p.rank_lp, 0) AS rank_lp
		FROM participants p
		JOIN matches m ON m.id = p.match_id
		WHERE p.rank_tier = ANY($1) AND p.rank_division IS NOT NULL
	`

	var rows []RankedParticipant
	if err := s.db.SelectContext(ctx, &rows, query, pq.Array(TierOrder)); err != nil {
		return nil, fmt.Errorf("failed to list ranked participants: %w", err)
	}
	return rows, nil
}

// SetMatchRank stores the average rank label of a match.
func (s *Storage) SetMatchRank(ctx context.Context, matchID, label string) error {
	query := `
		UPDATE matches
		SET rank = $1, updated_at = NOW()
		WHERE match_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, label, matchID); err != nil {
		return fmt.Errorf("failed to set match rank: %w", err)
	}
	return nil
}
