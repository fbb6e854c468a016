package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	// rankingKey holds player totals as sorted set scores
	rankingKey = "airfeeld:leaderboard:ranking"
	// totalsKey keeps the exact decimal totals, since sorted set scores
	// are float64
	totalsKey = "airfeeld:leaderboard:totals"
)

// Leaderboard is the Redis projection of player totals
type Leaderboard struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLeaderboard creates a new Redis leaderboard
func NewLeaderboard(client *redis.Client, logger *slog.Logger) *Leaderboard {
	return &Leaderboard{
		client: client,
		logger: logger,
	}
}

// Close closes the Redis connection
func (l *Leaderboard) Close() error {
	return l.client.Close()
}

// Client returns the underlying Redis client
func (l *Leaderboard) Client() *redis.Client {
	return l.client
}

// Ping checks the Redis connection
func (l *Leaderboard) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// RecordPlayerTotal sets a player's total
func (l *Leaderboard) RecordPlayerTotal(ctx context.Context, playerID string, total decimal.Decimal) error {
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, rankingKey, redis.Z{
		Score:  total.InexactFloat64(),
		Member: playerID,
	})
	pipe.HSet(ctx, totalsKey, playerID, total.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording player total: %w", err)
	}
	return nil
}

// ReplaceTotals rewrites the whole leaderboard from totals
func (l *Leaderboard) ReplaceTotals(ctx context.Context, totals map[string]decimal.Decimal) error {
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, rankingKey, totalsKey)

	if len(totals) > 0 {
		members := make([]redis.Z, 0, len(totals))
		exact := make(map[string]any, len(totals))
		for playerID, total := range totals {
			members = append(members, redis.Z{
				Score:  total.InexactFloat64(),
				Member: playerID,
			})
			exact[playerID] = total.String()
		}
		pipe.ZAdd(ctx, rankingKey, members...)
		pipe.HSet(ctx, totalsKey, exact)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replacing leaderboard: %w", err)
	}
	l.logger.Info("leaderboard replaced", "players", len(totals))
	return nil
}

// GetTopN returns the top N players in descending order
func (l *Leaderboard) GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	return l.rangeFrom(ctx, 0, int64(n-1))
}

// GetPlayerRank returns a player's rank and total
func (l *Leaderboard) GetPlayerRank(ctx context.Context, playerID string) (*domain.LeaderboardEntry, error) {
	pipe := l.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, rankingKey, playerID)
	scoreCmd := pipe.ZScore(ctx, rankingKey, playerID)
	exactCmd := pipe.HGet(ctx, totalsKey, playerID)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("getting player rank: %w", err)
	}

	rank, err := rankCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting rank result: %w", err)
	}

	score, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting score result: %w", err)
	}

	return &domain.LeaderboardEntry{
		Rank:       rank + 1,
		PlayerID:   playerID,
		TotalScore: exactOr(exactCmd.Val(), score),
	}, nil
}

// GetAroundPlayer returns up to count players either side of playerID
func (l *Leaderboard) GetAroundPlayer(ctx context.Context, playerID string, count int) ([]domain.LeaderboardEntry, error) {
	entry, err := l.GetPlayerRank(ctx, playerID)
	if err != nil {
		return nil, err
	}

	start := max(entry.Rank-int64(count)-1, 0)
	end := entry.Rank + int64(count) - 1
	return l.rangeFrom(ctx, start, end)
}

// GetCount returns the number of ranked players
func (l *Leaderboard) GetCount(ctx context.Context) (int64, error) {
	count, err := l.client.ZCard(ctx, rankingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// rangeFrom returns ranks start..end (0-indexed, inclusive). Equal scores
// are ordered by member descending by Redis.
func (l *Leaderboard) rangeFrom(ctx context.Context, start, end int64) ([]domain.LeaderboardEntry, error) {
	results, err := l.client.ZRevRangeWithScores(ctx, rankingKey, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("getting range: %w", err)
	}
	if len(results) == 0 {
		return []domain.LeaderboardEntry{}, nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Member.(string)
	}
	exact, err := l.client.HMGet(ctx, totalsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("getting exact totals: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, r := range results {
		s, _ := exact[i].(string)
		entries[i] = domain.LeaderboardEntry{
			Rank:       start + int64(i) + 1,
			PlayerID:   ids[i],
			TotalScore: exactOr(s, r.Score),
		}
	}
	return entries, nil
}

// exactOr parses the stored decimal total, falling back to the float score
func exactOr(s string, score float64) decimal.Decimal {
	if d, err := decimal.NewFromString(s); err == nil {
		return d
	}
	return decimal.NewFromFloat(score)
}
