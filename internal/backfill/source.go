// Package backfill fills in participant ranks and roles from the game API and
// keeps match average ranks up to date. Source is the data side of the
// orchestrator's backfill job.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/quota-harvester/internal/apiclient"
	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
	"github.com/cuongbtq/quota-harvester/internal/orchestrator"
)

// Work kinds handled by Source.
const (
	KindRank = "rank"
	KindRole = "role"
)

// RoleUnknown is stored for participants whose position the API did not report.
const RoleUnknown = "UNKNOWN"

// ErrUnknownKind is returned for a kind Source does not handle.
var ErrUnknownKind = errors.New("unknown backfill kind")

// Player is a participant identity with the region it was seen in.
type Player struct {
	PUUID  string `db:"puuid"`
	Region string `db:"region"`
}

// Rank is a participant's solo queue standing. Division and LP are nil for UnrankedTier.
type Rank struct {
	Tier     string
	Division *string
	LP       *int
}

// RankedParticipant is one input row of the match rank refresh.
type RankedParticipant struct {
	MatchID  string `db:"match_id"`
	Tier     string `db:"rank_tier"`
	Division string `db:"rank_division"`
	LP       int    `db:"rank_lp"`
}

// Repository is the persistence Source needs; Storage implements it over Postgres.
type Repository interface {
	CountMissingRank(ctx context.Context) (int, error)
	CountMissingRole(ctx context.Context) (int, error)
	PendingRankPlayers(ctx context.Context, limit int) ([]Player, error)
	SetRank(ctx context.Context, puuid string, r Rank) (int, error)
	PendingRoleMatches(ctx context.Context, limit int) ([]string, error)
	SetRoles(ctx context.Context, matchID string, roles map[string]string, fallback string) (int, error)
	RankedParticipants(ctx context.Context) ([]RankedParticipant, error)
	SetMatchRank(ctx context.Context, matchID, label string) error
}

// API is the subset of the game API the backfill calls.
type API interface {
	SoloQueueEntry(ctx context.Context, platform, puuid string) (*apiclient.LeagueEntry, error)
	Match(ctx context.Context, matchID string) (*apiclient.Match, error)
}

// Source implements orchestrator.DataSource.
type Source struct {
	repo            Repository
	api             API
	platforms       map[string]struct{}
	defaultPlatform string
	logger          *slog.Logger
}

var _ orchestrator.DataSource = (*Source)(nil)

// NewSource creates a Source. Players seen in a region outside platforms are
// looked up on defaultPlatform.
func NewSource(repo Repository, api API, platforms []string, defaultPlatform string, logger *slog.Logger) *Source {
	set := make(map[string]struct{}, len(platforms))
	for _, p := range platforms {
		set[p] = struct{}{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{
		repo:            repo,
		api:             api,
		platforms:       set,
		defaultPlatform: defaultPlatform,
		logger:          logger,
	}
}

func (s *Source) CountMissing(ctx context.Context, kind string) (int, error) {
	switch kind {
	case KindRank:
		return s.repo.CountMissingRank(ctx)
	case KindRole:
		return s.repo.CountMissingRole(ctx)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func (s *Source) ProcessBatch(ctx context.Context, kind string, limit int, cancel checkpoint.Token) (orchestrator.BatchResult, error) {
	switch kind {
	case KindRank:
		return s.backfillRanks(ctx, limit, cancel)
	case KindRole:
		return s.backfillRoles(ctx, limit, cancel)
	default:
		return orchestrator.BatchResult{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// backfillRanks makes one API call per distinct player and updates all of the
// player's unranked rows. Players with no solo entry are marked UnrankedTier.
func (s *Source) backfillRanks(ctx context.Context, limit int, cancel checkpoint.Token) (orchestrator.BatchResult, error) {
	players, err := s.repo.PendingRankPlayers(ctx, limit)
	if err != nil {
		return orchestrator.BatchResult{}, err
	}

	var res orchestrator.BatchResult
	for _, player := range players {
		if cancel != nil && cancel.Cancelled(ctx) {
			s.logger.Info("Rank backfill interrupted by stop request",
				slog.Int("processed", res.Processed),
			)
			break
		}
		res.Processed++

		entry, err := s.api.SoloQueueEntry(ctx, s.platform(player.Region), player.PUUID)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors++
			s.logger.Warn("Failed to fetch rank",
				slog.String("puuid", player.PUUID),
				slog.Any("error", err),
			)
			continue
		}

		rank := Rank{Tier: UnrankedTier}
		if entry != nil {
			division, lp := entry.Rank, entry.LeaguePoints
			rank = Rank{Tier: entry.Tier, Division: &division, LP: &lp}
		}

		n, err := s.repo.SetRank(ctx, player.PUUID, rank)
		if err != nil {
			res.Errors++
			s.logger.Warn("Failed to store rank",
				slog.String("puuid", player.PUUID),
				slog.Any("error", err),
			)
			continue
		}
		res.Updated += n
	}

	return res, nil
}

// backfillRoles makes one API call per match and updates every participant of it.
func (s *Source) backfillRoles(ctx context.Context, limit int, cancel checkpoint.Token) (orchestrator.BatchResult, error) {
	matchIDs, err := s.repo.PendingRoleMatches(ctx, limit)
	if err != nil {
		return orchestrator.BatchResult{}, err
	}

	var res orchestrator.BatchResult
	for _, matchID := range matchIDs {
		if cancel != nil && cancel.Cancelled(ctx) {
			s.logger.Info("Role backfill interrupted by stop request",
				slog.Int("processed", res.Processed),
			)
			break
		}
		res.Processed++

		roles := map[string]string{}
		match, err := s.api.Match(ctx, matchID)
		switch {
		case err == nil:
			for _, p := range match.Info.Participants {
				if role := p.Role(); role != "" && p.PUUID != "" {
					roles[p.PUUID] = role
				}
			}
		case errors.Is(err, apiclient.ErrNotFound):
			// Purged upstream; mark it so it is not selected again.
			res.Errors++
			s.logger.Warn("Match not found, marking roles unknown", slog.String("match_id", matchID))
		default:
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors++
			s.logger.Warn("Failed to fetch match",
				slog.String("match_id", matchID),
				slog.Any("error", err),
			)
			continue
		}

		n, err := s.repo.SetRoles(ctx, matchID, roles, RoleUnknown)
		if err != nil {
			res.Errors++
			s.logger.Warn("Failed to store roles",
				slog.String("match_id", matchID),
				slog.Any("error", err),
			)
			continue
		}
		res.Updated += n
	}

	return res, nil
}

// Refresh recomputes every match's average rank from its ranked participants.
func (s *Source) Refresh(ctx context.Context) (orchestrator.RefreshResult, error) {
	rows, err := s.repo.RankedParticipants(ctx)
	if err != nil {
		return orchestrator.RefreshResult{}, err
	}

	scores := make(map[string][]float64)
	var order []string
	for _, r := range rows {
		if !IsRankedTier(r.Tier) {
			continue
		}
		if _, ok := scores[r.MatchID]; !ok {
			order = append(order, r.MatchID)
		}
		scores[r.MatchID] = append(scores[r.MatchID], RankScore(r.Tier, r.Division, r.LP))
	}

	var res orchestrator.RefreshResult
	for _, matchID := range order {
		sum := 0.0
		for _, v := range scores[matchID] {
			sum += v
		}
		label := RankLabel(sum / float64(len(scores[matchID])))

		if err := s.repo.SetMatchRank(ctx, matchID, label); err != nil {
			return res, err
		}
		res.Updated++
	}
	return res, nil
}

func (s *Source) platform(region string) string {
	if _, ok := s.platforms[region]; ok {
		return region
	}
	return s.defaultPlatform
}
