package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/airfeeld-scoring/internal/config"
	"github.com/airfeeld-scoring/internal/domain"
	"github.com/airfeeld-scoring/internal/geo"
	"github.com/airfeeld-scoring/internal/metrics"
	"github.com/airfeeld-scoring/internal/scoring"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const tokenBytes = 32

// RoundStore persists rounds and their guesses
type RoundStore interface {
	CreateRound(ctx context.Context, round *domain.Round) error
	GetRound(ctx context.Context, roundID string) (*domain.Round, error)
	// SaveAttempt writes guess and the advanced round in one transaction,
	// guarded by round.Version. When the round completed it also increments
	// the photo's attempt counters and adds the adjusted score to the
	// player's total, returning the new total.
	SaveAttempt(ctx context.Context, round *domain.Round, guess domain.Guess) (*domain.PlayerTotal, error)
	ExpireRound(ctx context.Context, round *domain.Round) error
	ExpireStaleRounds(ctx context.Context, now time.Time) (int64, error)
	ListPlayerRounds(ctx context.Context, playerID string, limit int) ([]domain.Round, error)
}

// PhotoCatalog is the photo and airport collaborator
type PhotoCatalog interface {
	SelectUnseenPhoto(ctx context.Context, playerID string) (domain.PhotoRef, error)
	GetAirportTruth(ctx context.Context, photoID string) (domain.Airport, error)
	ResolveAirport(ctx context.Context, ref string) (domain.Airport, error)
}

// Scorer computes the adjusted score of a completed round
type Scorer interface {
	Adjust(ctx context.Context, base int, photoID string) domain.Score
}

// TotalRecorder receives a player's new total after every change
type TotalRecorder interface {
	RecordPlayerTotal(ctx context.Context, playerID string, total decimal.Decimal) error
}

// EventPublisher fans score events out to interested consumers
type EventPublisher interface {
	Publish(ctx context.Context, event domain.ScoreEvent) error
}

// Publishers sends every event to each publisher in turn
type Publishers []EventPublisher

// Publish implements EventPublisher
func (p Publishers) Publish(ctx context.Context, event domain.ScoreEvent) error {
	var errs []error
	for _, pub := range p {
		if err := pub.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GameService runs the round state machine
type GameService struct {
	store     RoundStore
	catalog   PhotoCatalog
	scorer    Scorer
	recorder  TotalRecorder
	publisher EventPublisher
	config    *config.GameConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewGameService creates a new game service
func NewGameService(
	store RoundStore,
	catalog PhotoCatalog,
	scorer Scorer,
	cfg *config.GameConfig,
	logger *slog.Logger,
) *GameService {
	return &GameService{
		store:   store,
		catalog: catalog,
		scorer:  scorer,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetRecorder sets where updated player totals are pushed
func (s *GameService) SetRecorder(r TotalRecorder) {
	s.recorder = r
}

// SetPublisher sets the score event publisher
func (s *GameService) SetPublisher(p EventPublisher) {
	s.publisher = p
}

// SetClock overrides the time source
func (s *GameService) SetClock(now func() time.Time) {
	s.now = now
}

// StartRound hands the player a photo they have not seen before
func (s *GameService) StartRound(ctx context.Context, playerID string) (*domain.Round, error) {
	if playerID == "" {
		return nil, domain.ErrInvalidRequest
	}

	photo, err := s.catalog.SelectUnseenPhoto(ctx, playerID)
	if err != nil {
		if errors.Is(err, domain.ErrNoAvailablePhoto) {
			return nil, err
		}
		return nil, fmt.Errorf("selecting photo: %w", err)
	}

	truth, err := s.catalog.GetAirportTruth(ctx, photo.PhotoID)
	if err != nil {
		return nil, fmt.Errorf("getting airport for photo %s: %w", photo.PhotoID, err)
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generating round token: %w", err)
	}

	round := domain.NewRound(uuid.NewString(), token, playerID, photo, truth, s.now().UTC(), s.config.RoundDuration)
	if err := s.store.CreateRound(ctx, round); err != nil {
		return nil, fmt.Errorf("creating round: %w", err)
	}

	metrics.RoundsStarted.Inc()
	s.logger.Debug("round started",
		"round_id", round.ID,
		"player_id", playerID,
		"photo_id", photo.PhotoID,
	)
	return round, nil
}

// SubmitGuess applies one guess to a round and returns the feedback for it
func (s *GameService) SubmitGuess(ctx context.Context, req domain.GuessRequest) (*domain.GuessFeedback, error) {
	feedback, err := s.submitGuess(ctx, req)
	if err != nil {
		metrics.GuessesRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	metrics.GuessesSubmitted.WithLabelValues(strconv.Itoa(feedback.Attempt), strconv.FormatBool(feedback.Correct)).Inc()
	return feedback, nil
}

func (s *GameService) submitGuess(ctx context.Context, req domain.GuessRequest) (*domain.GuessFeedback, error) {
	if req.RoundID == "" || req.Token == "" || domain.NormalizeAirportRef(req.Airport) == "" {
		return nil, domain.ErrInvalidRequest
	}

	round, err := s.loadOwned(ctx, req.RoundID, req.PlayerID)
	if err != nil {
		return nil, err
	}
	if err := round.CheckToken(req.Token); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := round.CheckGuessable(req.Attempt, now); err != nil {
		if errors.Is(err, domain.ErrRoundExpired) && !round.State.IsTerminal() {
			s.expire(ctx, round, now)
		}
		return nil, err
	}

	guessed, err := s.catalog.ResolveAirport(ctx, req.Airport)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownAirport) {
			return nil, err
		}
		return nil, fmt.Errorf("resolving airport %q: %w", req.Airport, err)
	}

	attempt := round.State.Attempt()
	correct := guessed.ID == round.Airport.ID
	guess := domain.Guess{
		RoundID:     round.ID,
		Attempt:     attempt,
		AirportRef:  domain.NormalizeAirportRef(req.Airport),
		AirportID:   guessed.ID,
		Correct:     correct,
		SubmittedAt: now,
	}
	if !correct && attempt < domain.MaxAttempts {
		d := geo.Distance(
			geo.Point{Lat: guessed.Latitude, Lon: guessed.Longitude},
			geo.Point{Lat: round.Airport.Latitude, Lon: round.Airport.Longitude},
		)
		guess.DistanceKm = &d.Km
		guess.DistanceMiles = &d.Miles
	}

	base := scoring.BaseScore(attempt, correct)
	next := round.Clone()
	if err := next.Advance(guess, base, now); err != nil {
		return nil, err
	}
	if next.State == domain.StateCompleted {
		next.ApplyScore(s.scorer.Adjust(ctx, base, next.PhotoID))
	}

	total, err := s.store.SaveAttempt(ctx, next, guess)
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, fmt.Errorf("round %s advanced concurrently: %w", round.ID, domain.ErrOutOfSequenceAttempt)
		}
		return nil, fmt.Errorf("saving attempt: %w", err)
	}

	feedback := buildFeedback(next, guess)
	if next.State == domain.StateCompleted {
		s.afterCompletion(ctx, next, total, feedback)
	}
	return feedback, nil
}

// buildFeedback discloses progressively more of the answer: distance after
// a first miss, distance and country after a second, the full airport once
// the round is over.
func buildFeedback(round *domain.Round, guess domain.Guess) *domain.GuessFeedback {
	fb := &domain.GuessFeedback{
		RoundID:           round.ID,
		Attempt:           guess.Attempt,
		Correct:           guess.Correct,
		State:             round.State,
		AttemptsRemaining: round.AttemptsRemaining(),
		DistanceKm:        guess.DistanceKm,
		DistanceMiles:     guess.DistanceMiles,
	}
	if !guess.Correct && guess.Attempt == 2 {
		fb.CountryHint = round.Airport.Country
	}
	if round.State == domain.StateCompleted {
		fb.Reveal = domain.NewAirportReveal(round.Airport)
		score := round.Score
		fb.Score = &score
	}
	return fb
}

func (s *GameService) afterCompletion(ctx context.Context, round *domain.Round, total *domain.PlayerTotal, fb *domain.GuessFeedback) {
	metrics.RoundsFinished.WithLabelValues(string(domain.StateCompleted)).Inc()
	metrics.AdjustedScores.Observe(round.Score.Adjusted.InexactFloat64())

	s.logger.Info("round completed",
		"round_id", round.ID,
		"player_id", round.PlayerID,
		"photo_id", round.PhotoID,
		"base_score", round.Score.Base,
		"multiplier", round.Score.Multiplier.String(),
		"adjusted_score", round.Score.Adjusted.String(),
	)

	if total != nil {
		t := total.TotalScore
		fb.TotalScore = &t
		if s.recorder != nil {
			if err := s.recorder.RecordPlayerTotal(ctx, round.PlayerID, t); err != nil {
				// Database remains authoritative; the leaderboard catches up on rebuild
				s.logger.Warn("failed to record player total",
					"player_id", round.PlayerID,
					"error", err,
				)
			}
		}
	}

	if s.publisher == nil {
		return
	}
	score := round.Score
	event := domain.ScoreEvent{
		Type:      domain.EventRoundCompleted,
		PlayerID:  round.PlayerID,
		RoundID:   round.ID,
		PhotoID:   round.PhotoID,
		Score:     &score,
		Timestamp: s.now().UTC(),
	}
	if total != nil {
		t := total.TotalScore
		event.TotalScore = &t
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish round completion", "round_id", round.ID, "error", err)
	}
}

// GetRound returns the player's view of a round, expiring it if its
// deadline has passed.
func (s *GameService) GetRound(ctx context.Context, roundID, playerID string) (*domain.RoundStatus, error) {
	if roundID == "" {
		return nil, domain.ErrInvalidRequest
	}
	round, err := s.loadOwned(ctx, roundID, playerID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if round.IsExpired(now) {
		round = s.expire(ctx, round, now)
	}
	status := round.Status()
	return &status, nil
}

// ListPlayerRounds returns the player's most recent rounds
func (s *GameService) ListPlayerRounds(ctx context.Context, playerID string, limit int) ([]domain.RoundStatus, error) {
	if playerID == "" {
		return nil, domain.ErrInvalidRequest
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rounds, err := s.store.ListPlayerRounds(ctx, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing rounds: %w", err)
	}

	now := s.now().UTC()
	out := make([]domain.RoundStatus, 0, len(rounds))
	for i := range rounds {
		r := &rounds[i]
		// Display only; the sweep or next access persists the transition
		if r.IsExpired(now) {
			r = r.Clone()
			_ = r.Expire(now)
		}
		out = append(out, r.Status())
	}
	return out, nil
}

// SweepExpired moves every open round past its deadline to expired
func (s *GameService) SweepExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	defer metrics.ObserveJob("expiry_sweep", start)

	n, err := s.store.ExpireStaleRounds(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expiring stale rounds: %w", err)
	}
	if n > 0 {
		metrics.RoundsFinished.WithLabelValues(string(domain.StateExpired)).Add(float64(n))
		s.logger.Info("expired stale rounds", "count", n)
	}
	return n, nil
}

func (s *GameService) loadOwned(ctx context.Context, roundID, playerID string) (*domain.Round, error) {
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		if errors.Is(err, domain.ErrRoundNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("getting round: %w", err)
	}
	if playerID != "" && playerID != round.PlayerID {
		return nil, domain.ErrRoundNotFound
	}
	return round, nil
}

// expire persists the expired transition. A concurrent writer winning the
// race is fine: whatever it wrote is re-read and returned.
func (s *GameService) expire(ctx context.Context, round *domain.Round, now time.Time) *domain.Round {
	next := round.Clone()
	if err := next.Expire(now); err != nil {
		return round
	}
	if err := s.store.ExpireRound(ctx, next); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			if fresh, gerr := s.store.GetRound(ctx, round.ID); gerr == nil {
				return fresh
			}
		}
		s.logger.Warn("failed to persist round expiry", "round_id", round.ID, "error", err)
		return next
	}
	metrics.RoundsFinished.WithLabelValues(string(domain.StateExpired)).Inc()
	return next
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoundNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, domain.ErrRoundExpired):
		return "expired"
	case errors.Is(err, domain.ErrRoundAlreadyComplete):
		return "already_complete"
	case errors.Is(err, domain.ErrOutOfSequenceAttempt):
		return "out_of_sequence"
	case errors.Is(err, domain.ErrUnknownAirport):
		return "unknown_airport"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal"
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
