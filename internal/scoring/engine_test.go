package scoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/shopspring/decimal"
)

type fakeReader struct {
	state    domain.ActivationState
	stateErr error
	stats    map[string]domain.PhotoDifficultyStat
	statErr  error
}

func (f *fakeReader) GetActivation(context.Context) (domain.ActivationState, error) {
	return f.state, f.stateErr
}

func (f *fakeReader) GetPhotoStat(_ context.Context, photoID string) (*domain.PhotoDifficultyStat, error) {
	if f.statErr != nil {
		return nil, f.statErr
	}
	s, ok := f.stats[photoID]
	if !ok {
		return nil, domain.ErrStatNotFound
	}
	return &s, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBaseScore(t *testing.T) {
	tests := []struct {
		attempt int
		correct bool
		want    int
	}{
		{1, true, 10},
		{2, true, 5},
		{3, true, 3},
		{1, false, 0},
		{2, false, 0},
		{3, false, 0},
		{4, true, 0},
		{0, true, 0},
	}
	for _, tt := range tests {
		if got := BaseScore(tt.attempt, tt.correct); got != tt.want {
			t.Errorf("BaseScore(%d, %v) = %d, want %d", tt.attempt, tt.correct, got, tt.want)
		}
	}
}

func TestMultiplier(t *testing.T) {
	tests := []struct {
		total, successful int64
		want              string
	}{
		{25, 0, "3"},
		{20, 20, "1"},
		{20, 10, "2"},
		{30, 10, "3"},
		{100, 1, "3"},
		{21, 9, "2.3333"},
		{10, 7, "1.4286"},
		{0, 0, "1"},
	}
	for _, tt := range tests {
		got := Multiplier(tt.total, tt.successful)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Multiplier(%d, %d) = %s, want %s", tt.total, tt.successful, got, tt.want)
		}
		if got.LessThan(domain.MinMultiplier) || got.GreaterThan(domain.MaxMultiplier) {
			t.Errorf("Multiplier(%d, %d) = %s outside [1,3]", tt.total, tt.successful, got)
		}
	}
}

func TestAdjustBeforeActivationIsBase(t *testing.T) {
	reader := &fakeReader{
		stats: map[string]domain.PhotoDifficultyStat{
			"hard": {PhotoID: "hard", TotalAttempts: 40, Multiplier: decimal.NewFromInt(3), Active: true},
		},
	}
	e := NewEngine(reader, discardLogger())

	for _, base := range []int{0, 3, 5, 10} {
		s := e.Adjust(context.Background(), base, "hard")
		if !s.Adjusted.Equal(decimal.NewFromInt(int64(base))) {
			t.Errorf("base %d adjusted to %s before activation", base, s.Adjusted)
		}
	}
}

func TestAdjustAfterActivation(t *testing.T) {
	reader := &fakeReader{
		state: domain.ActivationState{Activated: true},
		stats: map[string]domain.PhotoDifficultyStat{
			"hard":     {PhotoID: "hard", Multiplier: decimal.NewFromInt(3), Active: true},
			"inactive": {PhotoID: "inactive", Multiplier: decimal.NewFromInt(2), Active: false},
		},
	}
	e := NewEngine(reader, discardLogger())
	ctx := context.Background()

	if s := e.Adjust(ctx, 10, "hard"); !s.Adjusted.Equal(decimal.NewFromInt(30)) {
		t.Errorf("hard photo: adjusted %s, want 30", s.Adjusted)
	}
	if s := e.Adjust(ctx, 10, "inactive"); !s.Adjusted.Equal(decimal.NewFromInt(10)) {
		t.Errorf("inactive photo: adjusted %s, want 10", s.Adjusted)
	}
	if s := e.Adjust(ctx, 5, "never-seen"); !s.Multiplier.Equal(domain.MinMultiplier) {
		t.Errorf("unknown photo: multiplier %s, want 1", s.Multiplier)
	}
}

func TestAdjustFallsBackOnStoreErrors(t *testing.T) {
	ctx := context.Background()

	e := NewEngine(&fakeReader{stateErr: errors.New("down")}, discardLogger())
	if s := e.Adjust(ctx, 10, "x"); !s.Multiplier.Equal(domain.MinMultiplier) {
		t.Errorf("activation error: multiplier %s", s.Multiplier)
	}

	e = NewEngine(&fakeReader{state: domain.ActivationState{Activated: true}, statErr: errors.New("down")}, discardLogger())
	if s := e.Adjust(ctx, 10, "x"); !s.Adjusted.Equal(decimal.NewFromInt(10)) {
		t.Errorf("stat error: adjusted %s", s.Adjusted)
	}
}
