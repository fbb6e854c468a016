package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/shopspring/decimal"
)

// Leaderboard is an in-process ranking of player totals
type Leaderboard struct {
	mu     sync.RWMutex
	scores map[string]decimal.Decimal
}

// NewLeaderboard creates an empty leaderboard
func NewLeaderboard() *Leaderboard {
	return &Leaderboard{scores: make(map[string]decimal.Decimal)}
}

// RecordPlayerTotal sets a player's total
func (l *Leaderboard) RecordPlayerTotal(_ context.Context, playerID string, total decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scores[playerID] = total
	return nil
}

// ReplaceTotals swaps the whole leaderboard for totals
func (l *Leaderboard) ReplaceTotals(_ context.Context, totals map[string]decimal.Decimal) error {
	scores := make(map[string]decimal.Decimal, len(totals))
	for id, t := range totals {
		scores[id] = t
	}
	l.mu.Lock()
	l.scores = scores
	l.mu.Unlock()
	return nil
}

// ranked returns entries ordered by total descending, ties by player id
func (l *Leaderboard) ranked() []domain.LeaderboardEntry {
	l.mu.RLock()
	entries := make([]domain.LeaderboardEntry, 0, len(l.scores))
	for id, s := range l.scores {
		entries = append(entries, domain.LeaderboardEntry{PlayerID: id, TotalScore: s})
	}
	l.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].TotalScore.Cmp(entries[j].TotalScore); c != 0 {
			return c > 0
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})
	for i := range entries {
		entries[i].Rank = int64(i + 1)
	}
	return entries
}

// GetTopN returns the top n players
func (l *Leaderboard) GetTopN(_ context.Context, n int) ([]domain.LeaderboardEntry, error) {
	entries := l.ranked()
	if n < len(entries) {
		entries = entries[:n]
	}
	return entries, nil
}

// GetPlayerRank returns a player's rank and total
func (l *Leaderboard) GetPlayerRank(_ context.Context, playerID string) (*domain.LeaderboardEntry, error) {
	for _, e := range l.ranked() {
		if e.PlayerID == playerID {
			return &e, nil
		}
	}
	return nil, domain.ErrPlayerNotFound
}

// GetAroundPlayer returns up to count players either side of playerID
func (l *Leaderboard) GetAroundPlayer(_ context.Context, playerID string, count int) ([]domain.LeaderboardEntry, error) {
	entries := l.ranked()
	idx := -1
	for i, e := range entries {
		if e.PlayerID == playerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, domain.ErrPlayerNotFound
	}
	start := max(idx-count, 0)
	end := min(idx+count+1, len(entries))
	return entries[start:end], nil
}

// GetCount returns the number of ranked players
func (l *Leaderboard) GetCount(context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.scores)), nil
}
