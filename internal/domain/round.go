package domain

import (
	"crypto/subtle"
	"fmt"
	"time"
)

// MaxAttempts is the number of guesses a round allows
const MaxAttempts = 3

// RoundState is the lifecycle position of a round
type RoundState string

const (
	StateAttempt1  RoundState = "attempt_1"
	StateAttempt2  RoundState = "attempt_2"
	StateAttempt3  RoundState = "attempt_3"
	StateCompleted RoundState = "completed"
	StateExpired   RoundState = "expired"
)

// allowedTransitions is the complete transition table; anything absent is rejected.
var allowedTransitions = map[RoundState][]RoundState{
	StateAttempt1: {StateAttempt2, StateCompleted, StateExpired},
	StateAttempt2: {StateAttempt3, StateCompleted, StateExpired},
	StateAttempt3: {StateCompleted, StateExpired},
}

// CanTransitionTo reports whether the table allows s -> next
func (s RoundState) CanTransitionTo(next RoundState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further mutation is permitted
func (s RoundState) IsTerminal() bool {
	return s == StateCompleted || s == StateExpired
}

// Attempt returns the attempt number expected in this state, or 0 if terminal
func (s RoundState) Attempt() int {
	switch s {
	case StateAttempt1:
		return 1
	case StateAttempt2:
		return 2
	case StateAttempt3:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known states
func (s RoundState) Valid() bool {
	switch s {
	case StateAttempt1, StateAttempt2, StateAttempt3, StateCompleted, StateExpired:
		return true
	}
	return false
}

func stateForAttempt(attempt int) RoundState {
	switch attempt {
	case 1:
		return StateAttempt1
	case 2:
		return StateAttempt2
	default:
		return StateAttempt3
	}
}

// Guess is one submitted attempt within a round; immutable once recorded
type Guess struct {
	RoundID       string    `json:"round_id"`
	Attempt       int       `json:"attempt"`
	AirportRef    string    `json:"airport_ref"`
	AirportID     string    `json:"airport_id"`
	Correct       bool      `json:"correct"`
	DistanceKm    *float64  `json:"distance_km,omitempty"`
	DistanceMiles *float64  `json:"distance_miles,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Round is one instance of gameplay
type Round struct {
	ID          string     `json:"id"`
	Token       string     `json:"-"`
	PlayerID    string     `json:"player_id"`
	PhotoID     string     `json:"photo_id"`
	ImageRef    string     `json:"image_ref"`
	Airport     Airport    `json:"-"`
	State       RoundState `json:"state"`
	Guesses     []Guess    `json:"guesses"`
	Score       Score      `json:"score"`
	Version     int64      `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRound creates a round in its initial state
func NewRound(id, token, playerID string, photo PhotoRef, truth Airport, now time.Time, ttl time.Duration) *Round {
	return &Round{
		ID:        id,
		Token:     token,
		PlayerID:  playerID,
		PhotoID:   photo.PhotoID,
		ImageRef:  photo.ImageRef,
		Airport:   truth,
		State:     StateAttempt1,
		Guesses:   make([]Guess, 0, MaxAttempts),
		Score:     ZeroScore(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Clone returns a deep copy so callers can mutate without touching shared state
func (r *Round) Clone() *Round {
	c := *r
	c.Guesses = make([]Guess, len(r.Guesses), MaxAttempts)
	copy(c.Guesses, r.Guesses)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// IsExpired reports whether the round's deadline has passed while still open
func (r *Round) IsExpired(now time.Time) bool {
	return !r.State.IsTerminal() && !now.Before(r.ExpiresAt)
}

// CheckToken compares the anti-replay token in constant time
func (r *Round) CheckToken(token string) error {
	if token == "" || subtle.ConstantTimeCompare([]byte(r.Token), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// transition moves the round to next if the table allows it
func (r *Round) transition(next RoundState) error {
	if !r.State.CanTransitionTo(next) {
		return fmt.Errorf("%s -> %s: %w", r.State, next, ErrInvalidTransition)
	}
	r.State = next
	return nil
}

// Expire moves an open round to the expired state
func (r *Round) Expire(now time.Time) error {
	if err := r.transition(StateExpired); err != nil {
		return err
	}
	r.CompletedAt = &now
	return nil
}

// CheckGuessable validates that a guess for attempt may be applied now.
// attempt == 0 means "whatever attempt is next".
func (r *Round) CheckGuessable(attempt int, now time.Time) error {
	switch {
	case r.State == StateExpired:
		return ErrRoundExpired
	case r.State.IsTerminal():
		return ErrRoundAlreadyComplete
	case r.IsExpired(now):
		return ErrRoundExpired
	}
	if attempt != 0 && attempt != r.State.Attempt() {
		return fmt.Errorf("expected attempt %d, got %d: %w", r.State.Attempt(), attempt, ErrOutOfSequenceAttempt)
	}
	return nil
}

// Advance records g and moves the round to its next state. base is the tier
// score the guess earned; it is only kept when the round completes.
func (r *Round) Advance(g Guess, base int, now time.Time) error {
	expected := r.State.Attempt()
	if expected == 0 {
		return ErrRoundAlreadyComplete
	}
	if g.Attempt != expected {
		return fmt.Errorf("expected attempt %d, got %d: %w", expected, g.Attempt, ErrOutOfSequenceAttempt)
	}

	next := stateForAttempt(expected + 1)
	if g.Correct || expected == MaxAttempts {
		next = StateCompleted
	}
	if err := r.transition(next); err != nil {
		return err
	}

	r.Guesses = append(r.Guesses, g)
	if next == StateCompleted {
		r.Score = ZeroScore()
		r.Score.Base = base
		r.CompletedAt = &now
	}
	return nil
}

// ApplyScore snapshots the adjusted score computed at completion time
func (r *Round) ApplyScore(s Score) {
	r.Score = s
}
