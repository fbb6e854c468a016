package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/airfeeld-scoring/internal/memstore"
	"github.com/airfeeld-scoring/internal/service"
	"github.com/shopspring/decimal"
)

type eventArchive struct {
	events []domain.ScoreEvent
	err    error
}

func (a *eventArchive) RecordEvents(_ context.Context, events []domain.ScoreEvent) error {
	a.events = append(a.events, events...)
	return a.err
}

func TestEventProjectorKeepsLatestTotal(t *testing.T) {
	ctx := context.Background()
	board := memstore.NewLeaderboard()
	archive := &eventArchive{}
	sink := &recordingSink{}

	p := service.NewEventProjector(board, discardLogger())
	p.SetEventLog(archive)
	p.SetBroadcaster(sink)

	now := time.Now()
	events := []domain.ScoreEvent{
		domain.NewTotalUpdated("alice", decimal.NewFromInt(25), now),
		domain.NewTotalUpdated("bob", decimal.NewFromInt(10), now),
		domain.NewTotalUpdated("alice", decimal.NewFromInt(45), now),
		{Type: domain.EventDifficultyActivated, Timestamp: now},
	}
	if err := p.HandleEvents(ctx, events); err != nil {
		t.Fatalf("HandleEvents() error = %v", err)
	}

	entry, err := board.GetPlayerRank(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPlayerRank() error = %v", err)
	}
	if entry.Rank != 1 || !entry.TotalScore.Equal(decimal.NewFromInt(45)) {
		t.Errorf("alice = %+v, want rank 1 with 45", entry)
	}
	if len(archive.events) != 4 {
		t.Errorf("archived %d events, want 4", len(archive.events))
	}
	if len(sink.events) != 4 {
		t.Errorf("broadcast %d events, want 4", len(sink.events))
	}
}

func TestEventProjectorReportsArchiveFailure(t *testing.T) {
	archive := &eventArchive{err: errors.New("db down")}
	p := service.NewEventProjector(memstore.NewLeaderboard(), discardLogger())
	p.SetEventLog(archive)

	err := p.HandleEvents(context.Background(), []domain.ScoreEvent{
		domain.NewTotalUpdated("alice", decimal.NewFromInt(5), time.Now()),
	})
	if err == nil {
		t.Fatal("HandleEvents() error = nil, want archive failure")
	}
}

func TestEventProjectorAppliesReconciledTotalAfterStaleCompletion(t *testing.T) {
	ctx := context.Background()
	board := memstore.NewLeaderboard()
	p := service.NewEventProjector(board, discardLogger())

	stale := decimal.NewFromInt(10)
	now := time.Now()
	completed := domain.ScoreEvent{
		Type:       domain.EventRoundCompleted,
		PlayerID:   "p1",
		RoundID:    "r1",
		TotalScore: &stale,
		Timestamp:  now,
	}

	// Same batch, then across batches: partition order puts the
	// completion ahead of the reconciled total
	batches := [][]domain.ScoreEvent{
		{completed, domain.NewTotalUpdated("p1", decimal.NewFromInt(30), now)},
		{completed},
		{domain.NewTotalUpdated("p1", decimal.NewFromInt(30), now)},
	}
	for i, batch := range batches {
		if err := p.HandleEvents(ctx, batch); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if i == 1 {
			continue
		}
		entry, err := board.GetPlayerRank(ctx, "p1")
		if err != nil {
			t.Fatalf("GetPlayerRank() error = %v", err)
		}
		if !entry.TotalScore.Equal(decimal.NewFromInt(30)) {
			t.Errorf("after batch %d total = %s, want 30", i, entry.TotalScore)
		}
	}
}

type ledgerTotals map[string]decimal.Decimal

func (l ledgerTotals) GetPlayerTotal(_ context.Context, playerID string) (*domain.PlayerTotal, error) {
	total, ok := l[playerID]
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	return &domain.PlayerTotal{PlayerID: playerID, TotalScore: total, RoundsCompleted: 1}, nil
}

func TestEventProjectorPrefersLedgerTotal(t *testing.T) {
	ctx := context.Background()
	board := memstore.NewLeaderboard()
	p := service.NewEventProjector(board, discardLogger())
	p.SetLedger(ledgerTotals{"p1": decimal.NewFromInt(30)})

	if err := board.RecordPlayerTotal(ctx, "p1", decimal.NewFromInt(30)); err != nil {
		t.Fatal(err)
	}

	// A completion published before the reconciled total but consumed after it
	stale := decimal.NewFromInt(10)
	late := domain.ScoreEvent{Type: domain.EventRoundCompleted, PlayerID: "p1", TotalScore: &stale, Timestamp: time.Now()}
	if err := p.HandleEvents(ctx, []domain.ScoreEvent{late}); err != nil {
		t.Fatalf("HandleEvents() error = %v", err)
	}

	entry, err := board.GetPlayerRank(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlayerRank() error = %v", err)
	}
	if !entry.TotalScore.Equal(decimal.NewFromInt(30)) {
		t.Errorf("total = %s, want ledger total 30", entry.TotalScore)
	}

	// Unknown to the ledger: the event total is used
	if err := p.HandleEvents(ctx, []domain.ScoreEvent{domain.NewTotalUpdated("p2", decimal.NewFromInt(7), time.Now())}); err != nil {
		t.Fatal(err)
	}
	if entry, _ := board.GetPlayerRank(ctx, "p2"); entry == nil || !entry.TotalScore.Equal(decimal.NewFromInt(7)) {
		t.Errorf("p2 = %+v, want 7", entry)
	}
}
