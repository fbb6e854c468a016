package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PhotoDifficultyStat holds the aggregated attempt statistics of one photo.
// Round completions only increment the counters; the multiplier and active
// flag are written by the difficulty aggregator.
type PhotoDifficultyStat struct {
	PhotoID            string          `json:"photo_id"`
	TotalAttempts      int64           `json:"total_attempts"`
	SuccessfulAttempts int64           `json:"successful_attempts"`
	Multiplier         decimal.Decimal `json:"multiplier"`
	Active             bool            `json:"active"`
	LastRecomputed     *time.Time      `json:"last_recomputed,omitempty"`
}

// SuccessRate returns successful/total, or 0 when there are no attempts
func (s PhotoDifficultyStat) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.SuccessfulAttempts) / float64(s.TotalAttempts)
}

// ActivationState is the process-wide record of whether difficulty
// multipliers are in effect. Activated only ever moves from false to true.
type ActivationState struct {
	PhotoCount             int64      `json:"photo_count"`
	PlayerCount            int64      `json:"player_count"`
	Activated              bool       `json:"activated"`
	ActivatedAt            *time.Time `json:"activated_at,omitempty"`
	RetroactiveCompletedAt *time.Time `json:"retroactive_completed_at,omitempty"`
}

// RetroactivePending reports whether the one-time adjustment still has to finish
func (s ActivationState) RetroactivePending() bool {
	return s.Activated && s.RetroactiveCompletedAt == nil
}

// ActivationThresholds gates the global switch
type ActivationThresholds struct {
	MinPhotos  int64 `json:"min_photos"`
	MinPlayers int64 `json:"min_players"`
}

// Met reports whether both population thresholds are satisfied
func (t ActivationThresholds) Met(photos, players int64) bool {
	return photos >= t.MinPhotos && players >= t.MinPlayers
}
