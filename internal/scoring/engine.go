// Package scoring maps attempts to tier points and applies the community
// difficulty multiplier.
package scoring

import (
	"context"
	"errors"
	"log/slog"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/shopspring/decimal"
)

// Tier points by attempt number
const (
	PointsFirstAttempt  = 10
	PointsSecondAttempt = 5
	PointsThirdAttempt  = 3
)

// BaseScore returns the tier value for a guess. Incorrect guesses and
// attempt numbers outside 1..3 are worth nothing.
func BaseScore(attempt int, correct bool) int {
	if !correct {
		return 0
	}
	switch attempt {
	case 1:
		return PointsFirstAttempt
	case 2:
		return PointsSecondAttempt
	case 3:
		return PointsThirdAttempt
	default:
		return 0
	}
}

// Multiplier derives a photo's difficulty multiplier from its attempt
// counters: 3.0 when nobody has solved it, otherwise 1/success_rate
// clamped to [1, 3] and rounded to four places.
func Multiplier(total, successful int64) decimal.Decimal {
	if total <= 0 {
		return domain.MinMultiplier
	}
	if successful <= 0 {
		return domain.MaxMultiplier
	}
	m := decimal.NewFromInt(total).DivRound(decimal.NewFromInt(successful), domain.MultiplierPlaces)
	return domain.ClampMultiplier(m)
}

// DifficultyReader is the read side of the difficulty store used on the hot path
type DifficultyReader interface {
	GetActivation(ctx context.Context) (domain.ActivationState, error)
	GetPhotoStat(ctx context.Context, photoID string) (*domain.PhotoDifficultyStat, error)
}

// Engine computes adjusted scores at round completion
type Engine struct {
	store  DifficultyReader
	logger *slog.Logger
}

// NewEngine creates a new scoring engine
func NewEngine(store DifficultyReader, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
	}
}

// Adjust multiplies base by the multiplier currently in effect for photoID.
// A multiplier of 1.0 is always safe, so lookup failures fall back to it
// rather than failing the player's guess.
func (e *Engine) Adjust(ctx context.Context, base int, photoID string) domain.Score {
	return domain.NewScore(base, e.MultiplierFor(ctx, photoID))
}

// MultiplierFor returns the multiplier a round on photoID would snapshot now
func (e *Engine) MultiplierFor(ctx context.Context, photoID string) decimal.Decimal {
	state, err := e.store.GetActivation(ctx)
	if err != nil {
		e.logger.Warn("failed to read activation state, using neutral multiplier",
			"photo_id", photoID,
			"error", err,
		)
		return domain.MinMultiplier
	}
	if !state.Activated {
		return domain.MinMultiplier
	}

	stat, err := e.store.GetPhotoStat(ctx, photoID)
	if err != nil {
		if !errors.Is(err, domain.ErrStatNotFound) {
			e.logger.Warn("failed to read photo stat, using neutral multiplier",
				"photo_id", photoID,
				"error", err,
			)
		}
		return domain.MinMultiplier
	}
	if !stat.Active {
		return domain.MinMultiplier
	}
	return domain.ClampMultiplier(stat.Multiplier)
}
