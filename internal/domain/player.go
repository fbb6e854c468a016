package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlayerTotal is the denormalised score aggregate of one player.
// TotalScore always equals the sum of AdjustedScore over the player's
// completed rounds.
type PlayerTotal struct {
	PlayerID        string          `json:"player_id"`
	TotalScore      decimal.Decimal `json:"total_score"`
	RoundsCompleted int64           `json:"rounds_completed"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// LeaderboardEntry represents a single entry in the leaderboard
type LeaderboardEntry struct {
	Rank       int64           `json:"rank"`
	PlayerID   string          `json:"player_id"`
	TotalScore decimal.Decimal `json:"total_score"`
}
