package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/airfeeld-scoring/internal/config"
	"github.com/airfeeld-scoring/internal/domain"
	"github.com/shopspring/decimal"
)

// newTestLeaderboard connects to AIRFEELD_TEST_REDIS_ADDR and skips otherwise.
// The selected database is flushed.
func newTestLeaderboard(t *testing.T) *Leaderboard {
	t.Helper()
	addr := os.Getenv("AIRFEELD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AIRFEELD_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, &config.RedisConfig{
		Addr:         addr,
		DB:           15,
		PoolSize:     4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("FlushDB() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return NewLeaderboard(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLeaderboardRanking(t *testing.T) {
	lb := newTestLeaderboard(t)
	ctx := context.Background()

	err := lb.ReplaceTotals(ctx, map[string]decimal.Decimal{
		"alice": decimal.RequireFromString("53.3333"),
		"bob":   decimal.NewFromInt(30),
		"carol": decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("ReplaceTotals() error = %v", err)
	}
	if err := lb.RecordPlayerTotal(ctx, "dave", decimal.NewFromInt(40)); err != nil {
		t.Fatalf("RecordPlayerTotal() error = %v", err)
	}

	top, err := lb.GetTopN(ctx, 2)
	if err != nil {
		t.Fatalf("GetTopN() error = %v", err)
	}
	if len(top) != 2 || top[0].PlayerID != "alice" || top[1].PlayerID != "dave" {
		t.Fatalf("GetTopN() = %+v", top)
	}
	if !top[0].TotalScore.Equal(decimal.RequireFromString("53.3333")) {
		t.Errorf("alice total = %s, want exact 53.3333", top[0].TotalScore)
	}

	entry, err := lb.GetPlayerRank(ctx, "bob")
	if err != nil {
		t.Fatalf("GetPlayerRank() error = %v", err)
	}
	if entry.Rank != 3 {
		t.Errorf("bob rank = %d, want 3", entry.Rank)
	}

	around, err := lb.GetAroundPlayer(ctx, "bob", 1)
	if err != nil {
		t.Fatalf("GetAroundPlayer() error = %v", err)
	}
	if len(around) != 3 || around[0].PlayerID != "dave" || around[2].PlayerID != "carol" {
		t.Errorf("GetAroundPlayer() = %+v", around)
	}

	if _, err := lb.GetPlayerRank(ctx, "nobody"); !errors.Is(err, domain.ErrPlayerNotFound) {
		t.Errorf("GetPlayerRank(nobody) error = %v, want ErrPlayerNotFound", err)
	}

	count, err := lb.GetCount(ctx)
	if err != nil || count != 4 {
		t.Errorf("GetCount() = %d, %v; want 4", count, err)
	}
}

func TestLockerExclusive(t *testing.T) {
	lb := newTestLeaderboard(t)
	ctx := context.Background()
	locker := NewLocker(lb.Client())

	release, err := locker.Acquire(ctx, "test:lock", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := locker.Acquire(ctx, "test:lock", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire() error = %v, want ErrLockHeld", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release() error = %v", err)
	}

	release, err = locker.Acquire(ctx, "test:lock", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = release(ctx)
}
