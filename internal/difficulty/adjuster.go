package difficulty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/airfeeld-scoring/internal/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ErrNotActivated is returned when a retroactive pass is requested before
// the multiplier system has been switched on
var ErrNotActivated = errors.New("difficulty system not activated")

// AdjusterStore is the persistence used by the retroactive pass
type AdjusterStore interface {
	GetActivation(ctx context.Context) (domain.ActivationState, error)
	ListPhotoStats(ctx context.Context) ([]domain.PhotoDifficultyStat, error)
	ListPlayersWithCompletedRounds(ctx context.Context) ([]string, error)
	// ReconcilePlayer rewrites the multiplier and adjusted score of every
	// completed round of playerID from snapshot and sets the player's total
	// to their sum, all in one transaction. Returns the new total.
	ReconcilePlayer(ctx context.Context, playerID string, snapshot domain.MultiplierSnapshot) (decimal.Decimal, error)
	MarkRetroactiveComplete(ctx context.Context, at time.Time) error
}

// TotalRecorder receives each reconciled total
type TotalRecorder interface {
	RecordPlayerTotal(ctx context.Context, playerID string, total decimal.Decimal) error
}

// Report summarises a retroactive pass
type Report struct {
	Players  int           `json:"players"`
	Photos   int           `json:"photos"`
	Duration time.Duration `json:"duration"`
}

// Adjuster rewrites historical scores with the current multipliers
type Adjuster struct {
	store       AdjusterStore
	concurrency int
	recorder    TotalRecorder
	publisher   Publisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewAdjuster creates a new retroactive adjuster. concurrency bounds how
// many players are reconciled at once.
func NewAdjuster(store AdjusterStore, concurrency int, logger *slog.Logger) *Adjuster {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Adjuster{
		store:       store,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// SetRecorder sets where reconciled totals are pushed
func (a *Adjuster) SetRecorder(r TotalRecorder) {
	a.recorder = r
}

// SetPublisher sets where a total_updated event is sent for every
// reconciled player
func (a *Adjuster) SetPublisher(p Publisher) {
	a.publisher = p
}

// SetClock overrides the time source
func (a *Adjuster) SetClock(now func() time.Time) {
	a.now = now
}

// Run performs a full pass. Each player is reconciled atomically and the
// result depends only on base scores and the snapshot, so a failed pass
// can simply be run again.
func (a *Adjuster) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	defer metrics.ObserveJob("retroactive_adjuster", start)

	rep, err := a.run(ctx)
	rep.Duration = time.Since(start)
	if err != nil {
		metrics.AdjusterRuns.WithLabelValues("error").Inc()
		return rep, err
	}
	metrics.AdjusterRuns.WithLabelValues("ok").Inc()
	return rep, nil
}

func (a *Adjuster) run(ctx context.Context) (Report, error) {
	var rep Report

	state, err := a.store.GetActivation(ctx)
	if err != nil {
		return rep, fmt.Errorf("reading activation state: %w", err)
	}
	if !state.Activated {
		return rep, ErrNotActivated
	}

	snapshot, err := a.snapshot(ctx)
	if err != nil {
		return rep, err
	}
	rep.Photos = len(snapshot)

	players, err := a.store.ListPlayersWithCompletedRounds(ctx)
	if err != nil {
		return rep, fmt.Errorf("listing players: %w", err)
	}

	a.logger.Info("retroactive adjustment started",
		"players", len(players),
		"active_photos", len(snapshot),
	)

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, playerID := range players {
		playerID := playerID
		g.Go(func() error {
			total, err := a.store.ReconcilePlayer(gctx, playerID, snapshot)
			if err != nil {
				return fmt.Errorf("reconciling player %s: %w", playerID, err)
			}
			done.Add(1)
			if a.recorder != nil {
				if err := a.recorder.RecordPlayerTotal(gctx, playerID, total); err != nil {
					a.logger.Warn("failed to record reconciled total", "player_id", playerID, "error", err)
				}
			}
			if a.publisher != nil {
				event := domain.NewTotalUpdated(playerID, total, a.now().UTC())
				if err := a.publisher.Publish(gctx, event); err != nil {
					a.logger.Warn("failed to publish reconciled total", "player_id", playerID, "error", err)
				}
			}
			return nil
		})
	}
	err = g.Wait()
	rep.Players = int(done.Load())
	if err != nil {
		return rep, err
	}

	if err := a.store.MarkRetroactiveComplete(ctx, a.now().UTC()); err != nil {
		return rep, fmt.Errorf("marking retroactive pass complete: %w", err)
	}

	a.logger.Info("retroactive adjustment completed", "players", rep.Players)
	return rep, nil
}

// snapshot captures the multiplier of every active photo once, so every
// player in the pass is reconciled against the same values
func (a *Adjuster) snapshot(ctx context.Context) (domain.MultiplierSnapshot, error) {
	stats, err := a.store.ListPhotoStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing photo stats: %w", err)
	}
	snap := make(domain.MultiplierSnapshot, len(stats))
	for _, s := range stats {
		if s.Active {
			snap[s.PhotoID] = domain.ClampMultiplier(s.Multiplier)
		}
	}
	return snap, nil
}
