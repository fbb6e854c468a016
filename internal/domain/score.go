package domain

import (
	"github.com/shopspring/decimal"
)

// Multiplier bounds and precision
const (
	MultiplierPlaces = 4
)

var (
	MinMultiplier = decimal.NewFromInt(1)
	MaxMultiplier = decimal.NewFromInt(3)
)

// Score is the outcome of a completed round: the tier points, the
// difficulty multiplier in effect and their product.
type Score struct {
	Base       int             `json:"base_score"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Adjusted   decimal.Decimal `json:"adjusted_score"`
}

// ZeroScore is the score of a round that has not completed
func ZeroScore() Score {
	return Score{Multiplier: MinMultiplier, Adjusted: decimal.Zero}
}

// NewScore multiplies base by m. m is clamped into [1, 3] so a corrupt
// multiplier can never push a score outside the allowed range.
func NewScore(base int, m decimal.Decimal) Score {
	m = ClampMultiplier(m)
	return Score{
		Base:       base,
		Multiplier: m,
		Adjusted:   decimal.NewFromInt(int64(base)).Mul(m),
	}
}

// ClampMultiplier bounds m to [MinMultiplier, MaxMultiplier]
func ClampMultiplier(m decimal.Decimal) decimal.Decimal {
	if m.LessThan(MinMultiplier) {
		return MinMultiplier
	}
	if m.GreaterThan(MaxMultiplier) {
		return MaxMultiplier
	}
	return m
}

// MultiplierSnapshot maps photo ids to the multiplier that applies to them.
// Photos absent from the snapshot use 1.0.
type MultiplierSnapshot map[string]decimal.Decimal

// For returns the multiplier for photoID
func (s MultiplierSnapshot) For(photoID string) decimal.Decimal {
	if m, ok := s[photoID]; ok {
		return ClampMultiplier(m)
	}
	return MinMultiplier
}
