package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types published on the score stream
const (
	EventRoundCompleted      = "round_completed"
	EventTotalUpdated        = "total_updated"
	EventDifficultyActivated = "difficulty_activated"
)

// ScoreEvent is the message shared by the Kafka stream and WebSocket broadcasts
type ScoreEvent struct {
	Type       string           `json:"type"`
	PlayerID   string           `json:"player_id,omitempty"`
	RoundID    string           `json:"round_id,omitempty"`
	PhotoID    string           `json:"photo_id,omitempty"`
	Score      *Score           `json:"score,omitempty"`
	TotalScore *decimal.Decimal `json:"total_score,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewTotalUpdated builds the event announcing a player's new total
func NewTotalUpdated(playerID string, total decimal.Decimal, at time.Time) ScoreEvent {
	return ScoreEvent{
		Type:       EventTotalUpdated,
		PlayerID:   playerID,
		TotalScore: &total,
		Timestamp:  at,
	}
}
