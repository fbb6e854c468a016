// Package difficulty maintains per-photo difficulty multipliers and the
// one-time global activation of the multiplier system.
package difficulty

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/airfeeld-scoring/internal/metrics"
	"github.com/airfeeld-scoring/internal/scoring"
	"github.com/shopspring/decimal"
)

// AggregatorStore is the persistence used by the aggregator
type AggregatorStore interface {
	GetActivation(ctx context.Context) (domain.ActivationState, error)
	UpdatePopulation(ctx context.Context, photos, players int64) error
	// TryActivate flips activated from false to true. It reports true only
	// to the single caller that performed the flip.
	TryActivate(ctx context.Context, at time.Time) (bool, error)
	ListPhotoStats(ctx context.Context) ([]domain.PhotoDifficultyStat, error)
	GetPhotoStat(ctx context.Context, photoID string) (*domain.PhotoDifficultyStat, error)
	// UpdatePhotoMultipliers writes multiplier, active and last_recomputed
	// only; attempt counters are left to concurrent round completions.
	UpdatePhotoMultipliers(ctx context.Context, stats []domain.PhotoDifficultyStat) error
}

// PopulationCounter feeds the activation check
type PopulationCounter interface {
	ApprovedPhotoCount(ctx context.Context) (int64, error)
	UniquePlayerCount(ctx context.Context) (int64, error)
}

// Publisher receives the activation announcement
type Publisher interface {
	Publish(ctx context.Context, event domain.ScoreEvent) error
}

// Result summarises one aggregator run
type Result struct {
	Activated          bool  `json:"activated"`
	JustActivated      bool  `json:"just_activated"`
	PhotoCount         int64 `json:"photo_count"`
	PlayerCount        int64 `json:"player_count"`
	PhotosRecomputed   int   `json:"photos_recomputed"`
	PhotosActive       int   `json:"photos_active"`
	RetroactivePending bool  `json:"retroactive_pending"`
}

// Status is the read model exposed over the API
type Status struct {
	Activation domain.ActivationState       `json:"activation"`
	Thresholds domain.ActivationThresholds  `json:"thresholds"`
	Photos     []domain.PhotoDifficultyStat `json:"photos"`
}

// Aggregator recomputes photo multipliers and performs activation
type Aggregator struct {
	store       AggregatorStore
	counter     PopulationCounter
	thresholds  domain.ActivationThresholds
	minAttempts int64
	publisher   Publisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewAggregator creates a new difficulty aggregator
func NewAggregator(
	store AggregatorStore,
	counter PopulationCounter,
	thresholds domain.ActivationThresholds,
	minAttempts int64,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		store:       store,
		counter:     counter,
		thresholds:  thresholds,
		minAttempts: minAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// SetPublisher sets where the activation event is announced
func (a *Aggregator) SetPublisher(p Publisher) {
	a.publisher = p
}

// SetClock overrides the time source
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Run executes one aggregation pass. It is safe to re-run at any time.
func (a *Aggregator) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	defer metrics.ObserveJob("difficulty_aggregator", start)

	res, err := a.run(ctx)
	if err != nil {
		metrics.AggregatorRuns.WithLabelValues("error").Inc()
		return res, err
	}
	metrics.AggregatorRuns.WithLabelValues("ok").Inc()
	return res, nil
}

func (a *Aggregator) run(ctx context.Context) (Result, error) {
	var res Result

	state, err := a.store.GetActivation(ctx)
	if err != nil {
		return res, fmt.Errorf("reading activation state: %w", err)
	}

	if !state.Activated {
		photos, err := a.counter.ApprovedPhotoCount(ctx)
		if err != nil {
			return res, fmt.Errorf("counting approved photos: %w", err)
		}
		players, err := a.counter.UniquePlayerCount(ctx)
		if err != nil {
			return res, fmt.Errorf("counting players: %w", err)
		}
		if err := a.store.UpdatePopulation(ctx, photos, players); err != nil {
			return res, fmt.Errorf("updating population: %w", err)
		}
		state.PhotoCount, state.PlayerCount = photos, players

		if a.thresholds.Met(photos, players) {
			won, err := a.store.TryActivate(ctx, a.now().UTC())
			if err != nil {
				return res, fmt.Errorf("activating difficulty: %w", err)
			}
			res.JustActivated = won
			if state, err = a.store.GetActivation(ctx); err != nil {
				return res, fmt.Errorf("re-reading activation state: %w", err)
			}
			if won {
				a.logger.Info("difficulty multipliers activated",
					"photo_count", photos,
					"player_count", players,
				)
				a.announce(ctx)
			}
		}
	}

	res.PhotoCount, res.PlayerCount = state.PhotoCount, state.PlayerCount
	if !state.Activated {
		a.logger.Debug("difficulty not active",
			"photo_count", state.PhotoCount,
			"player_count", state.PlayerCount,
		)
		return res, nil
	}
	res.Activated = true

	recomputed, active, err := a.recompute(ctx)
	if err != nil {
		return res, err
	}
	res.PhotosRecomputed, res.PhotosActive = recomputed, active
	res.RetroactivePending = state.RetroactivePending()

	a.logger.Info("difficulty multipliers recomputed",
		"photos", recomputed,
		"active", active,
		"retroactive_pending", res.RetroactivePending,
	)
	return res, nil
}

func (a *Aggregator) recompute(ctx context.Context) (int, int, error) {
	stats, err := a.store.ListPhotoStats(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing photo stats: %w", err)
	}

	now := a.now().UTC()
	active := 0
	for i := range stats {
		stats[i].Multiplier, stats[i].Active = a.MultiplierFor(stats[i])
		stats[i].LastRecomputed = &now
		if stats[i].Active {
			active++
		}
	}

	if err := a.store.UpdatePhotoMultipliers(ctx, stats); err != nil {
		return 0, 0, fmt.Errorf("writing photo multipliers: %w", err)
	}
	return len(stats), active, nil
}

// MultiplierFor returns the multiplier and active flag a photo's counters
// warrant. Photos below the attempt threshold stay neutral.
func (a *Aggregator) MultiplierFor(stat domain.PhotoDifficultyStat) (decimal.Decimal, bool) {
	if stat.TotalAttempts < a.minAttempts {
		return domain.MinMultiplier, false
	}
	return scoring.Multiplier(stat.TotalAttempts, stat.SuccessfulAttempts), true
}

func (a *Aggregator) announce(ctx context.Context) {
	if a.publisher == nil {
		return
	}
	event := domain.ScoreEvent{
		Type:      domain.EventDifficultyActivated,
		Timestamp: a.now().UTC(),
	}
	if err := a.publisher.Publish(ctx, event); err != nil {
		a.logger.Warn("failed to publish activation", "error", err)
	}
}

// Status returns the activation record and every photo's statistics
func (a *Aggregator) Status(ctx context.Context) (*Status, error) {
	state, err := a.store.GetActivation(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading activation state: %w", err)
	}
	stats, err := a.store.ListPhotoStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing photo stats: %w", err)
	}
	return &Status{
		Activation: state,
		Thresholds: a.thresholds,
		Photos:     stats,
	}, nil
}

// PhotoStat returns one photo's statistics
func (a *Aggregator) PhotoStat(ctx context.Context, photoID string) (*domain.PhotoDifficultyStat, error) {
	return a.store.GetPhotoStat(ctx, photoID)
}
