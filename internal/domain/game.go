package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StartRoundRequest represents a request to start a new round
type StartRoundRequest struct {
	PlayerID string `json:"player_id"`
}

// RoundStarted is returned to the client when a round begins
type RoundStarted struct {
	RoundID   string    `json:"round_id"`
	Token     string    `json:"token"`
	PhotoRef  string    `json:"photo_ref"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GuessRequest represents a guess submission. Attempt is optional; when set
// it must equal the attempt the round currently expects.
type GuessRequest struct {
	RoundID  string `json:"round_id"`
	PlayerID string `json:"player_id,omitempty"`
	Token    string `json:"token"`
	Airport  string `json:"airport"`
	Attempt  int    `json:"attempt,omitempty"`
}

// AirportReveal discloses the true airport once a round is over
type AirportReveal struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Code    string `json:"code"`
	IATA    string `json:"iata,omitempty"`
	ICAO    string `json:"icao,omitempty"`
	Country string `json:"country"`
}

// NewAirportReveal builds the reveal payload for an airport
func NewAirportReveal(a Airport) *AirportReveal {
	return &AirportReveal{
		ID:      a.ID,
		Name:    a.Name,
		Code:    a.Code(),
		IATA:    a.IATA,
		ICAO:    a.ICAO,
		Country: a.Country,
	}
}

// GuessFeedback is the response to a guess. Which optional fields are set
// depends on the attempt number and outcome.
type GuessFeedback struct {
	RoundID           string           `json:"round_id"`
	Attempt           int              `json:"attempt"`
	Correct           bool             `json:"correct"`
	State             RoundState       `json:"state"`
	AttemptsRemaining int              `json:"attempts_remaining"`
	DistanceKm        *float64         `json:"distance_km,omitempty"`
	DistanceMiles     *float64         `json:"distance_miles,omitempty"`
	CountryHint       string           `json:"country_hint,omitempty"`
	Reveal            *AirportReveal   `json:"reveal,omitempty"`
	Score             *Score           `json:"score,omitempty"`
	TotalScore        *decimal.Decimal `json:"total_score,omitempty"`
}

// RoundStatus is the player-facing view of a round
type RoundStatus struct {
	RoundID           string         `json:"round_id"`
	PhotoRef          string         `json:"photo_ref"`
	State             RoundState     `json:"state"`
	AttemptsRemaining int            `json:"attempts_remaining"`
	Guesses           []Guess        `json:"guesses"`
	ExpiresAt         time.Time      `json:"expires_at"`
	Score             *Score         `json:"score,omitempty"`
	Reveal            *AirportReveal `json:"reveal,omitempty"`
}

// AttemptsRemaining returns how many guesses the round still accepts
func (r *Round) AttemptsRemaining() int {
	if r.State.IsTerminal() {
		return 0
	}
	return MaxAttempts - r.State.Attempt() + 1
}

// Status builds the player-facing view; the answer is only included once
// the round is over.
func (r *Round) Status() RoundStatus {
	st := RoundStatus{
		RoundID:           r.ID,
		PhotoRef:          r.ImageRef,
		State:             r.State,
		AttemptsRemaining: r.AttemptsRemaining(),
		Guesses:           r.Guesses,
		ExpiresAt:         r.ExpiresAt,
	}
	if r.State == StateCompleted {
		score := r.Score
		st.Score = &score
	}
	if r.State.IsTerminal() {
		st.Reveal = NewAirportReveal(r.Airport)
	}
	return st
}
