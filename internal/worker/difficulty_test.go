package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airfeeld-scoring/internal/config"
	"github.com/airfeeld-scoring/internal/difficulty"
	"github.com/airfeeld-scoring/internal/domain"
)

type fakeAggregator struct {
	mu      sync.Mutex
	results []difficulty.Result
	calls   int
}

func (f *fakeAggregator) Run(context.Context) (difficulty.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return difficulty.Result{}, nil
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r, nil
}

type fakeAdjuster struct {
	failures atomic.Int32
	calls    atomic.Int32
	done     chan struct{}
}

func (f *fakeAdjuster) Run(context.Context) (difficulty.Report, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return difficulty.Report{}, errors.New("database unavailable")
	}
	close(f.done)
	return difficulty.Report{Players: 3}, nil
}

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) SweepExpired(context.Context) (int64, error) {
	f.calls.Add(1)
	return 0, nil
}

type fakeRebuilder struct{ done chan struct{} }

func (f *fakeRebuilder) Rebuild(context.Context) error {
	close(f.done)
	return nil
}

// blockingAdjuster holds every pass open until release is closed and
// records the highest number of passes seen running together
type blockingAdjuster struct {
	started  chan struct{}
	release  chan struct{}
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (b *blockingAdjuster) Run(ctx context.Context) (difficulty.Report, error) {
	b.calls.Add(1)
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return difficulty.Report{}, ctx.Err()
	}
	return difficulty.Report{Players: 1}, nil
}

func testConfig() *config.DifficultyConfig {
	return &config.DifficultyConfig{
		Interval:        time.Hour,
		LockTTL:         time.Minute,
		AdjusterLockTTL: time.Minute,
		RetryBase:       time.Millisecond,
		RetryCap:        5 * time.Millisecond,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestActivationTriggersAdjustmentWithRetry(t *testing.T) {
	agg := &fakeAggregator{results: []difficulty.Result{{Activated: true, JustActivated: true, RetroactivePending: true}}}
	adj := &fakeAdjuster{done: make(chan struct{})}
	adj.failures.Store(2)
	rebuilt := &fakeRebuilder{done: make(chan struct{})}

	w := NewDifficultyWorker(agg, adj, &fakeSweeper{}, NewLocalLocker(), testConfig(), time.Hour, discardLogger())
	w.SetRebuilder(rebuilt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	select {
	case <-rebuilt.done:
	case <-time.After(5 * time.Second):
		t.Fatal("adjustment did not complete")
	}
	if got := adj.calls.Load(); got != 3 {
		t.Errorf("adjuster ran %d times, want 3", got)
	}
}

func TestRunOnceRespectsLock(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), AggregatorLockKey, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	agg := &fakeAggregator{}
	w := NewDifficultyWorker(agg, &fakeAdjuster{done: make(chan struct{})}, &fakeSweeper{}, locker, testConfig(), time.Hour, discardLogger())

	if _, err := w.RunOnce(context.Background()); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
	if agg.calls != 0 {
		t.Errorf("aggregator ran while lock was held")
	}

	if err := release(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce after release: %v", err)
	}
	if agg.calls != 1 {
		t.Errorf("aggregator calls = %d, want 1", agg.calls)
	}
}

func TestRunOnceQueuesPendingPass(t *testing.T) {
	tests := []struct {
		name string
		res  difficulty.Result
		want bool
	}{
		{"inactive", difficulty.Result{}, false},
		{"active and reconciled", difficulty.Result{Activated: true}, false},
		{"just activated", difficulty.Result{Activated: true, JustActivated: true, RetroactivePending: true}, true},
		{"unfinished pass", difficulty.Result{Activated: true, RetroactivePending: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := &fakeAggregator{results: []difficulty.Result{tt.res}}
			w := NewDifficultyWorker(agg, &fakeAdjuster{done: make(chan struct{})}, &fakeSweeper{}, NewLocalLocker(), testConfig(), time.Hour, discardLogger())

			if _, err := w.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
			if got := len(w.adjustCh) == 1; got != tt.want {
				t.Errorf("queued = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestAdjustmentKeepsOnePending(t *testing.T) {
	w := NewDifficultyWorker(&fakeAggregator{}, &fakeAdjuster{done: make(chan struct{})}, &fakeSweeper{}, NewLocalLocker(), testConfig(), time.Hour, discardLogger())

	if !w.RequestAdjustment() {
		t.Fatal("first request dropped")
	}
	if w.RequestAdjustment() {
		t.Fatal("second request queued while one is pending")
	}
}

func TestLocalLockerExpires(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "k", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := l.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("lease did not expire: %v", err)
	}
}

func TestAdjustmentRunsOnOneInstanceAtATime(t *testing.T) {
	locker := NewLocalLocker()
	adj := &blockingAdjuster{started: make(chan struct{}, 2), release: make(chan struct{})}
	first := NewDifficultyWorker(&fakeAggregator{}, adj, &fakeSweeper{}, locker, testConfig(), time.Hour, discardLogger())
	second := NewDifficultyWorker(&fakeAggregator{}, adj, &fakeSweeper{}, locker, testConfig(), time.Hour, discardLogger())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		first.adjust(ctx)
	}()
	select {
	case <-adj.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass did not start")
	}

	// The pass is still running on the first instance
	second.adjust(ctx)
	if got := adj.calls.Load(); got != 1 {
		t.Fatalf("adjuster ran %d times while the first pass held the lock, want 1", got)
	}

	close(adj.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass did not finish")
	}

	// Lock released: a later request on another instance may run
	second.adjust(ctx)
	<-adj.started
	if got := adj.calls.Load(); got != 2 {
		t.Errorf("adjuster calls = %d, want 2", got)
	}
	if got := adj.maxSeen.Load(); got != 1 {
		t.Errorf("concurrent passes = %d, want 1", got)
	}
}
