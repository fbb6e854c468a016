package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/airfeeld-scoring/internal/config"
	"github.com/airfeeld-scoring/internal/domain"
	"github.com/shopspring/decimal"
)

// LeaderboardReader serves ranked reads of player totals
type LeaderboardReader interface {
	GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)
	GetPlayerRank(ctx context.Context, playerID string) (*domain.LeaderboardEntry, error)
	GetAroundPlayer(ctx context.Context, playerID string, count int) ([]domain.LeaderboardEntry, error)
	GetCount(ctx context.Context) (int64, error)
}

// LeaderboardIndex is a leaderboard that can be rebuilt from the ledger
type LeaderboardIndex interface {
	LeaderboardReader
	ReplaceTotals(ctx context.Context, totals map[string]decimal.Decimal) error
}

// TotalsSource lists the authoritative player totals
type TotalsSource interface {
	ListPlayerTotals(ctx context.Context) ([]domain.PlayerTotal, error)
	GetPlayerTotal(ctx context.Context, playerID string) (*domain.PlayerTotal, error)
}

// LeaderboardService provides read access to player rankings
type LeaderboardService struct {
	index  LeaderboardIndex
	totals TotalsSource
	config *config.LeaderboardConfig
	logger *slog.Logger
}

// NewLeaderboardService creates a new leaderboard service
func NewLeaderboardService(
	index LeaderboardIndex,
	totals TotalsSource,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *LeaderboardService {
	return &LeaderboardService{
		index:  index,
		totals: totals,
		config: cfg,
		logger: logger,
	}
}

// GetTopN returns the top N players
func (s *LeaderboardService) GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	// Validate limit
	if n <= 0 {
		n = s.config.DefaultLimit
	}
	if n > s.config.MaxLimit {
		n = s.config.MaxLimit
	}

	entries, err := s.index.GetTopN(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}
	return entries, nil
}

// PlayerStanding combines a player's rank with their ledger totals
type PlayerStanding struct {
	domain.LeaderboardEntry
	RoundsCompleted int64 `json:"rounds_completed"`
}

// GetPlayerRank returns a player's rank and score
func (s *LeaderboardService) GetPlayerRank(ctx context.Context, playerID string) (*PlayerStanding, error) {
	entry, err := s.index.GetPlayerRank(ctx, playerID)
	if err != nil {
		return nil, err
	}

	standing := &PlayerStanding{LeaderboardEntry: *entry}
	total, err := s.totals.GetPlayerTotal(ctx, playerID)
	if err != nil {
		s.logger.Warn("failed to read player total", "player_id", playerID, "error", err)
		return standing, nil
	}
	standing.RoundsCompleted = total.RoundsCompleted
	return standing, nil
}

// GetAroundPlayer returns players around a specific player's rank
func (s *LeaderboardService) GetAroundPlayer(ctx context.Context, playerID string, count int) ([]domain.LeaderboardEntry, error) {
	if count <= 0 {
		count = 5
	}
	if count > 50 {
		count = 50
	}
	return s.index.GetAroundPlayer(ctx, playerID, count)
}

// GetCount returns the number of ranked players
func (s *LeaderboardService) GetCount(ctx context.Context) (int64, error) {
	return s.index.GetCount(ctx)
}

// Rebuild replaces the leaderboard contents with the ledger totals. Used on
// startup and after a retroactive adjustment rewrites every total.
func (s *LeaderboardService) Rebuild(ctx context.Context) error {
	totals, err := s.totals.ListPlayerTotals(ctx)
	if err != nil {
		return fmt.Errorf("listing player totals: %w", err)
	}

	scores := make(map[string]decimal.Decimal, len(totals))
	for _, t := range totals {
		scores[t.PlayerID] = t.TotalScore
	}
	if err := s.index.ReplaceTotals(ctx, scores); err != nil {
		return fmt.Errorf("replacing leaderboard totals: %w", err)
	}

	s.logger.Info("leaderboard rebuilt from ledger", "player_count", len(scores))
	return nil
}
