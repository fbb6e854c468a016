package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airfeeld-scoring/internal/config"
	"github.com/airfeeld-scoring/internal/difficulty"
	"github.com/airfeeld-scoring/internal/domain"
	"github.com/sethvargo/go-retry"
)

// Lock keys serialising the difficulty jobs across instances
const (
	AggregatorLockKey = "airfeeld:difficulty:aggregator"
	AdjusterLockKey   = "airfeeld:difficulty:adjuster"
)

// Aggregator runs one difficulty aggregation pass
type Aggregator interface {
	Run(ctx context.Context) (difficulty.Result, error)
}

// Adjuster runs one retroactive adjustment pass
type Adjuster interface {
	Run(ctx context.Context) (difficulty.Report, error)
}

// Sweeper expires abandoned rounds
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Rebuilder refreshes the leaderboard after totals were rewritten
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Locker grants a lease on key for at most ttl. It returns
// domain.ErrLockHeld when someone else holds it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// DifficultyWorker schedules the aggregator, the retroactive adjuster and
// the expiry sweep
type DifficultyWorker struct {
	aggregator Aggregator
	adjuster   Adjuster
	sweeper    Sweeper
	rebuilder  Rebuilder
	locker     Locker
	config     *config.DifficultyConfig
	sweepEvery time.Duration
	logger     *slog.Logger

	adjustCh  chan struct{}
	adjusting atomic.Bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewDifficultyWorker creates a new difficulty worker
func NewDifficultyWorker(
	aggregator Aggregator,
	adjuster Adjuster,
	sweeper Sweeper,
	locker Locker,
	cfg *config.DifficultyConfig,
	sweepEvery time.Duration,
	logger *slog.Logger,
) *DifficultyWorker {
	return &DifficultyWorker{
		aggregator: aggregator,
		adjuster:   adjuster,
		sweeper:    sweeper,
		locker:     locker,
		config:     cfg,
		sweepEvery: sweepEvery,
		logger:     logger,
		adjustCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// SetRebuilder sets what is refreshed after a retroactive pass
func (w *DifficultyWorker) SetRebuilder(r Rebuilder) {
	w.rebuilder = r
}

// Start begins the background loops
func (w *DifficultyWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("difficulty worker started",
		"interval", w.config.Interval,
		"sweep_interval", w.sweepEvery,
	)

	w.wg.Add(2)
	go w.run(ctx)
	go w.adjustLoop(ctx)
	return nil
}

// Stop stops the background loops and waits for them to exit
func (w *DifficultyWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("difficulty worker stopped")
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *DifficultyWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// run is the scheduling loop
func (w *DifficultyWorker) run(ctx context.Context) {
	defer w.wg.Done()

	aggTicker := time.NewTicker(w.config.Interval)
	defer aggTicker.Stop()
	sweepTicker := time.NewTicker(w.sweepEvery)
	defer sweepTicker.Stop()

	// An interrupted pass from a previous process is picked up here
	w.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-aggTicker.C:
			w.tick(ctx)
		case <-sweepTicker.C:
			if _, err := w.sweeper.SweepExpired(ctx); err != nil {
				w.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

func (w *DifficultyWorker) tick(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			w.logger.Debug("aggregator running elsewhere, skipping tick")
			return
		}
		// Re-run on the next tick
		w.logger.Error("difficulty aggregation failed", "error", err)
	}
}

// RunOnce runs the aggregator under the distributed lock and queues the
// retroactive pass when it is due
func (w *DifficultyWorker) RunOnce(ctx context.Context) (difficulty.Result, error) {
	release, err := w.locker.Acquire(ctx, AggregatorLockKey, w.config.LockTTL)
	if err != nil {
		return difficulty.Result{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn("failed to release aggregator lock", "error", err)
		}
	}()

	res, err := w.aggregator.Run(ctx)
	if err != nil {
		return res, fmt.Errorf("running aggregator: %w", err)
	}

	switch {
	case res.JustActivated:
		w.RequestAdjustment()
	case res.RetroactivePending && !w.adjusting.Load():
		w.logger.Info("resuming unfinished retroactive adjustment")
		w.RequestAdjustment()
	}
	return res, nil
}

// RequestAdjustment queues a retroactive pass. At most one request is
// pending at a time; extra requests are dropped.
func (w *DifficultyWorker) RequestAdjustment() bool {
	select {
	case w.adjustCh <- struct{}{}:
		return true
	default:
		return false
	}
}

func (w *DifficultyWorker) adjustLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-w.adjustCh:
			w.adjust(ctx)
		}
	}
}

// adjust retries the retroactive pass with capped exponential backoff
// until it succeeds or the worker stops. The pass holds AdjusterLockKey for
// its whole duration, retries included; an instance that finds the lock
// taken leaves the pass to its holder.
func (w *DifficultyWorker) adjust(ctx context.Context) {
	w.adjusting.Store(true)
	defer w.adjusting.Store(false)

	release, err := w.locker.Acquire(ctx, AdjusterLockKey, w.config.AdjusterLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			w.logger.Info("retroactive adjustment running elsewhere, skipping")
			return
		}
		// The next aggregator tick re-queues the pass while it is pending
		w.logger.Error("failed to acquire adjuster lock", "error", err)
		return
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn("failed to release adjuster lock", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := retry.WithCappedDuration(w.config.RetryCap, retry.NewExponential(w.config.RetryBase))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		rep, err := w.adjuster.Run(ctx)
		if err != nil {
			w.logger.Error("retroactive adjustment failed",
				"attempt", attempt,
				"players_done", rep.Players,
				"error", err,
			)
			if errors.Is(err, difficulty.ErrNotActivated) {
				return err
			}
			return retry.RetryableError(err)
		}
		w.logger.Info("retroactive adjustment finished",
			"attempt", attempt,
			"players", rep.Players,
			"duration", rep.Duration,
		)
		return nil
	})
	if err != nil {
		w.logger.Warn("retroactive adjustment abandoned", "error", err)
		return
	}

	if w.rebuilder != nil {
		if err := w.rebuilder.Rebuild(ctx); err != nil {
			w.logger.Warn("failed to rebuild leaderboard after adjustment", "error", err)
		}
	}
}

// LocalLocker is a process-local Locker for single-instance deployments
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocalLocker creates a new local locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time)}
}

// Acquire implements Locker
func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, domain.ErrLockHeld
	}
	until := now.Add(ttl)
	l.held[key] = until

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(until) {
			delete(l.held, key)
		}
		return nil
	}, nil
}
