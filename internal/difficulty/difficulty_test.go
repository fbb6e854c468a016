package difficulty_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airfeeld-scoring/internal/difficulty"
	"github.com/airfeeld-scoring/internal/domain"
	"github.com/airfeeld-scoring/internal/memstore"
	"github.com/airfeeld-scoring/internal/scoring"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var thresholds = domain.ActivationThresholds{MinPhotos: 500, MinPlayers: 100}

type staticCounter struct {
	photos, players int64
}

func (c staticCounter) ApprovedPhotoCount(context.Context) (int64, error) { return c.photos, nil }
func (c staticCounter) UniquePlayerCount(context.Context) (int64, error)  { return c.players, nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// completeRound stores a round that was won on the first attempt, scored
// with whatever multiplier the engine would apply right now.
func completeRound(t *testing.T, store *memstore.Store, roundID, playerID, photoID string) *domain.Round {
	t.Helper()
	ctx := context.Background()
	truth := domain.Airport{ID: "KJFK", Country: "United States", Latitude: 40.6413, Longitude: -73.7781}

	r := domain.NewRound(roundID, "token", playerID, domain.PhotoRef{PhotoID: photoID}, truth, t0, time.Hour)
	if err := store.CreateRound(ctx, r); err != nil {
		t.Fatalf("CreateRound: %v", err)
	}
	g := domain.Guess{RoundID: roundID, Attempt: 1, AirportID: "KJFK", Correct: true, SubmittedAt: t0}
	base := scoring.BaseScore(1, true)
	if err := r.Advance(g, base, t0); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	r.ApplyScore(scoring.NewEngine(store, discardLogger()).Adjust(ctx, base, photoID))
	if _, err := store.SaveAttempt(ctx, r, g); err != nil {
		t.Fatalf("SaveAttempt: %v", err)
	}
	return r
}

func playerTotal(t *testing.T, store *memstore.Store, playerID string) decimal.Decimal {
	t.Helper()
	total, err := store.GetPlayerTotal(context.Background(), playerID)
	if err != nil {
		t.Fatalf("GetPlayerTotal(%s): %v", playerID, err)
	}
	return total.TotalScore
}

// assertLedger checks that every total equals the sum of the player's
// completed adjusted scores
func assertLedger(t *testing.T, store *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	totals, _ := store.ListPlayerTotals(ctx)
	for _, pt := range totals {
		rounds, _ := store.ListPlayerRounds(ctx, pt.PlayerID, 1000)
		sum := decimal.Zero
		for _, r := range rounds {
			if r.State == domain.StateCompleted {
				sum = sum.Add(r.Score.Adjusted)
			}
		}
		if !sum.Equal(pt.TotalScore) {
			t.Errorf("player %s: total %s != sum %s", pt.PlayerID, pt.TotalScore, sum)
		}
	}
}

func TestMultiplierForThreshold(t *testing.T) {
	agg := difficulty.NewAggregator(memstore.New(), staticCounter{}, thresholds, 20, discardLogger())

	tests := []struct {
		total, successful int64
		want              string
		active            bool
	}{
		{19, 0, "1", false},
		{0, 0, "1", false},
		{20, 0, "3", true},
		{25, 0, "3", true},
		{40, 20, "2", true},
		{40, 40, "1", true},
		{30, 9, "3", true},
	}
	for _, tt := range tests {
		m, active := agg.MultiplierFor(domain.PhotoDifficultyStat{TotalAttempts: tt.total, SuccessfulAttempts: tt.successful})
		if !m.Equal(dec(tt.want)) || active != tt.active {
			t.Errorf("%d/%d: got %s active=%v, want %s active=%v", tt.successful, tt.total, m, active, tt.want, tt.active)
		}
	}
}

func TestBelowThresholdStaysInactive(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	store.SetPhotoStat(domain.PhotoDifficultyStat{PhotoID: "hard", TotalAttempts: 25})

	agg := difficulty.NewAggregator(store, staticCounter{photos: 499, players: 150}, thresholds, 20, discardLogger())
	res, err := agg.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Activated || res.JustActivated || res.RetroactivePending {
		t.Fatalf("result = %+v, want inactive", res)
	}

	state, _ := store.GetActivation(ctx)
	if state.Activated || state.PhotoCount != 499 || state.PlayerCount != 150 {
		t.Errorf("activation = %+v", state)
	}
	stat, _ := store.GetPhotoStat(ctx, "hard")
	if !stat.Multiplier.Equal(domain.MinMultiplier) || stat.Active || stat.LastRecomputed != nil {
		t.Errorf("stat touched before activation: %+v", stat)
	}

	// A round completed now is worth its base score despite the 0/25 record
	r := completeRound(t, store, "r1", "alice", "hard")
	if !r.Score.Adjusted.Equal(decimal.NewFromInt(int64(r.Score.Base))) {
		t.Errorf("adjusted %s != base %d", r.Score.Adjusted, r.Score.Base)
	}
}

func TestActivationRewritesHistory(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	completeRound(t, store, "r-alice", "alice", "hard")
	completeRound(t, store, "r-bob", "bob", "easy")
	completeRound(t, store, "r-bob-2", "bob", "fresh")
	before := playerTotal(t, store, "alice")

	store.SetPhotoStat(domain.PhotoDifficultyStat{PhotoID: "hard", TotalAttempts: 25, SuccessfulAttempts: 0})
	store.SetPhotoStat(domain.PhotoDifficultyStat{PhotoID: "easy", TotalAttempts: 20, SuccessfulAttempts: 20})
	store.SetPhotoStat(domain.PhotoDifficultyStat{PhotoID: "fresh", TotalAttempts: 5, SuccessfulAttempts: 0})

	agg := difficulty.NewAggregator(store, staticCounter{photos: 500, players: 120}, thresholds, 20, discardLogger())
	agg.SetClock(func() time.Time { return t0 })
	res, err := agg.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Activated || !res.JustActivated || !res.RetroactivePending {
		t.Fatalf("result = %+v", res)
	}
	if res.PhotosRecomputed != 3 || res.PhotosActive != 2 {
		t.Errorf("recomputed %d, active %d", res.PhotosRecomputed, res.PhotosActive)
	}

	wantStats := map[string]struct {
		m      string
		active bool
	}{
		"hard":  {"3", true},
		"easy":  {"1", true},
		"fresh": {"1", false},
	}
	for id, want := range wantStats {
		stat, _ := store.GetPhotoStat(ctx, id)
		if !stat.Multiplier.Equal(dec(want.m)) || stat.Active != want.active || stat.LastRecomputed == nil {
			t.Errorf("%s: %+v, want %s active=%v", id, stat, want.m, want.active)
		}
	}

	adj := difficulty.NewAdjuster(store, 4, discardLogger())
	rep, err := adj.Run(ctx)
	if err != nil {
		t.Fatalf("adjuster: %v", err)
	}
	if rep.Players != 2 {
		t.Errorf("reconciled %d players, want 2", rep.Players)
	}

	round, _ := store.GetRound(ctx, "r-alice")
	if !round.Score.Adjusted.Equal(decimal.NewFromInt(30)) || !round.Score.Multiplier.Equal(decimal.NewFromInt(3)) {
		t.Errorf("historical round score = %+v, want 30", round.Score)
	}
	if diff := playerTotal(t, store, "alice").Sub(before); !diff.Equal(decimal.NewFromInt(20)) {
		t.Errorf("alice total increased by %s, want 20", diff)
	}
	if got := playerTotal(t, store, "bob"); !got.Equal(decimal.NewFromInt(20)) {
		t.Errorf("bob total = %s, want 20", got)
	}
	assertLedger(t, store)

	state, _ := store.GetActivation(ctx)
	if state.RetroactivePending() {
		t.Error("retroactive pass not marked complete")
	}

	res, err = agg.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.JustActivated || res.RetroactivePending || !res.Activated {
		t.Errorf("second run = %+v", res)
	}
}

func TestActivationHappensOnce(t *testing.T) {
	store := memstore.New()
	counter := staticCounter{photos: 600, players: 200}

	const n = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg := difficulty.NewAggregator(store, counter, thresholds, 20, discardLogger())
			res, err := agg.Run(context.Background())
			if err != nil {
				t.Errorf("Run: %v", err)
				return
			}
			if res.JustActivated {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("%d runs activated, want exactly 1", got)
	}
}

func TestPendingPassReportedUntilComplete(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	agg := difficulty.NewAggregator(store, staticCounter{photos: 500, players: 100}, thresholds, 20, discardLogger())

	if res, _ := agg.Run(ctx); !res.JustActivated {
		t.Fatal("first run did not activate")
	}
	res, err := agg.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.JustActivated || !res.RetroactivePending {
		t.Errorf("after crash: %+v, want pending without re-activation", res)
	}
}

type flakyStore struct {
	*memstore.Store
	failFor string
	failed  atomic.Bool
}

func (f *flakyStore) ReconcilePlayer(ctx context.Context, playerID string, snap domain.MultiplierSnapshot) (decimal.Decimal, error) {
	if playerID == f.failFor && f.failed.CompareAndSwap(false, true) {
		return decimal.Zero, errors.New("connection reset")
	}
	return f.Store.ReconcilePlayer(ctx, playerID, snap)
}

func TestAdjusterRerunConverges(t *testing.T) {
	mem := memstore.New()
	ctx := context.Background()
	for _, p := range []string{"alice", "bob", "carol"} {
		completeRound(t, mem, "r-"+p, p, "hard")
	}
	completeRound(t, mem, "r-alice-2", "alice", "medium")
	mem.SetPhotoStat(domain.PhotoDifficultyStat{PhotoID: "hard", TotalAttempts: 30, SuccessfulAttempts: 10})
	mem.SetPhotoStat(domain.PhotoDifficultyStat{PhotoID: "medium", TotalAttempts: 21, SuccessfulAttempts: 9})

	agg := difficulty.NewAggregator(mem, staticCounter{photos: 500, players: 100}, thresholds, 20, discardLogger())
	if _, err := agg.Run(ctx); err != nil {
		t.Fatal(err)
	}

	store := &flakyStore{Store: mem, failFor: "bob"}
	adj := difficulty.NewAdjuster(store, 2, discardLogger())
	if _, err := adj.Run(ctx); err == nil {
		t.Fatal("expected first pass to fail")
	}
	if state, _ := mem.GetActivation(ctx); !state.RetroactivePending() {
		t.Fatal("failed pass marked complete")
	}

	for i := 0; i < 2; i++ {
		if _, err := adj.Run(ctx); err != nil {
			t.Fatalf("rerun %d: %v", i, err)
		}
	}

	// 10 x 3 for hard, 10 x 2.3333 for medium
	if got := playerTotal(t, mem, "alice"); !got.Equal(dec("53.333")) {
		t.Errorf("alice = %s, want 53.333", got)
	}
	if got := playerTotal(t, mem, "bob"); !got.Equal(decimal.NewFromInt(30)) {
		t.Errorf("bob = %s, want 30", got)
	}
	assertLedger(t, mem)
}

func TestAdjusterRequiresActivation(t *testing.T) {
	adj := difficulty.NewAdjuster(memstore.New(), 1, discardLogger())
	if _, err := adj.Run(context.Background()); !errors.Is(err, difficulty.ErrNotActivated) {
		t.Errorf("err = %v, want ErrNotActivated", err)
	}
}

type eventCollector struct {
	mu     sync.Mutex
	events []domain.ScoreEvent
}

func (c *eventCollector) Publish(_ context.Context, e domain.ScoreEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func TestAdjusterPublishesReconciledTotals(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	completeRound(t, store, "r-alice", "alice", "hard")
	completeRound(t, store, "r-bob", "bob", "fresh")
	store.SetPhotoStat(domain.PhotoDifficultyStat{PhotoID: "hard", TotalAttempts: 25, SuccessfulAttempts: 0})

	agg := difficulty.NewAggregator(store, staticCounter{photos: 500, players: 100}, thresholds, 20, discardLogger())
	if _, err := agg.Run(ctx); err != nil {
		t.Fatal(err)
	}

	events := &eventCollector{}
	adj := difficulty.NewAdjuster(store, 2, discardLogger())
	adj.SetPublisher(events)
	if _, err := adj.Run(ctx); err != nil {
		t.Fatalf("adjuster: %v", err)
	}

	got := make(map[string]decimal.Decimal)
	for _, e := range events.events {
		if e.Type != domain.EventTotalUpdated || e.TotalScore == nil {
			t.Fatalf("unexpected event %+v", e)
		}
		got[e.PlayerID] = *e.TotalScore
	}
	if len(got) != 2 {
		t.Fatalf("published totals for %d players, want 2", len(got))
	}
	for _, p := range []string{"alice", "bob"} {
		if want := playerTotal(t, store, p); !got[p].Equal(want) {
			t.Errorf("%s published %s, ledger %s", p, got[p], want)
		}
	}
}
