package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// GetActivation returns the activation record
func (r *Repository) GetActivation(ctx context.Context) (domain.ActivationState, error) {
	query := `
		SELECT photo_count, player_count, activated, activated_at, retroactive_completed_at
		FROM activation_state
		WHERE id = 1
	`
	var s domain.ActivationState
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.PhotoCount,
		&s.PlayerCount,
		&s.Activated,
		&s.ActivatedAt,
		&s.RetroactiveCompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ActivationState{}, nil
		}
		return domain.ActivationState{}, fmt.Errorf("getting activation: %w", err)
	}
	return s, nil
}

// UpdatePopulation records the latest population counts
func (r *Repository) UpdatePopulation(ctx context.Context, photos, players int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE activation_state SET photo_count = $1, player_count = $2 WHERE id = 1
	`, photos, players)
	if err != nil {
		return fmt.Errorf("updating population: %w", err)
	}
	return nil
}

// TryActivate flips the activation flag. Only one caller ever gets true.
func (r *Repository) TryActivate(ctx context.Context, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE activation_state SET activated = TRUE, activated_at = $1
		WHERE id = 1 AND NOT activated
	`, at)
	if err != nil {
		return false, fmt.Errorf("activating difficulty: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRetroactiveComplete stamps the end of the retroactive pass
func (r *Repository) MarkRetroactiveComplete(ctx context.Context, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE activation_state SET retroactive_completed_at = $1 WHERE id = 1
	`, at)
	if err != nil {
		return fmt.Errorf("marking retroactive pass complete: %w", err)
	}
	return nil
}

const statColumns = `
	photo_id, total_attempts, successful_attempts, multiplier::text, active, last_recomputed
`

func scanStat(row pgx.Row) (*domain.PhotoDifficultyStat, error) {
	var (
		st         domain.PhotoDifficultyStat
		multiplier string
	)
	err := row.Scan(&st.PhotoID, &st.TotalAttempts, &st.SuccessfulAttempts, &multiplier, &st.Active, &st.LastRecomputed)
	if err != nil {
		return nil, err
	}
	if st.Multiplier, err = decimal.NewFromString(multiplier); err != nil {
		return nil, fmt.Errorf("parsing multiplier of photo %s: %w", st.PhotoID, err)
	}
	return &st, nil
}

// ListPhotoStats returns every photo's statistics ordered by photo id
func (r *Repository) ListPhotoStats(ctx context.Context) ([]domain.PhotoDifficultyStat, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+statColumns+` FROM photo_difficulty ORDER BY photo_id`)
	if err != nil {
		return nil, fmt.Errorf("listing photo stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.PhotoDifficultyStat
	for rows.Next() {
		st, err := scanStat(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning photo stat: %w", err)
		}
		stats = append(stats, *st)
	}
	return stats, rows.Err()
}

// GetPhotoStat returns one photo's statistics
func (r *Repository) GetPhotoStat(ctx context.Context, photoID string) (*domain.PhotoDifficultyStat, error) {
	st, err := scanStat(r.pool.QueryRow(ctx, `SELECT `+statColumns+` FROM photo_difficulty WHERE photo_id = $1`, photoID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrStatNotFound
		}
		return nil, fmt.Errorf("getting photo stat: %w", err)
	}
	return st, nil
}

// UpdatePhotoMultipliers writes the derived fields of each stat. The attempt
// counters are left alone so concurrent completions are never lost.
func (r *Repository) UpdatePhotoMultipliers(ctx context.Context, stats []domain.PhotoDifficultyStat) error {
	if len(stats) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO photo_difficulty (photo_id, multiplier, active, last_recomputed)
		VALUES ($1, $2::numeric, $3, $4)
		ON CONFLICT (photo_id)
		DO UPDATE SET multiplier = $2::numeric, active = $3, last_recomputed = $4
	`
	for _, st := range stats {
		batch.Queue(query, st.PhotoID, domain.ClampMultiplier(st.Multiplier).String(), st.Active, st.LastRecomputed)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range stats {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch updating multipliers: %w", err)
		}
	}
	return nil
}

// ListPlayersWithCompletedRounds returns player ids in sorted order
func (r *Repository) ListPlayersWithCompletedRounds(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT player_id FROM rounds WHERE state = $1 ORDER BY player_id
	`, string(domain.StateCompleted))
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning players: %w", err)
	}
	return ids, nil
}

// ReconcilePlayer rescores the player's completed rounds from snapshot and
// resets their total to the new sum, in one transaction. The total row is
// locked first so completions for the same player queue behind it.
func (r *Repository) ReconcilePlayer(ctx context.Context, playerID string, snapshot domain.MultiplierSnapshot) (decimal.Decimal, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO player_totals (player_id, updated_at) VALUES ($1, $2)
		ON CONFLICT (player_id) DO NOTHING
	`, playerID, now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ensuring player total: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM player_totals WHERE player_id = $1 FOR UPDATE`, playerID); err != nil {
		return decimal.Zero, fmt.Errorf("locking player total: %w", err)
	}

	type completed struct {
		id      string
		photoID string
		base    int
	}
	rows, err := tx.Query(ctx, `
		SELECT id, photo_id, base_score
		FROM rounds
		WHERE player_id = $1 AND state = $2
		ORDER BY id
		FOR UPDATE
	`, playerID, string(domain.StateCompleted))
	if err != nil {
		return decimal.Zero, fmt.Errorf("loading completed rounds: %w", err)
	}
	var rounds []completed
	for rows.Next() {
		var c completed
		if err := rows.Scan(&c.id, &c.photoID, &c.base); err != nil {
			rows.Close()
			return decimal.Zero, fmt.Errorf("scanning round: %w", err)
		}
		rounds = append(rounds, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("loading completed rounds: %w", err)
	}

	sum := decimal.Zero
	if len(rounds) > 0 {
		batch := &pgx.Batch{}
		for _, c := range rounds {
			score := domain.NewScore(c.base, snapshot.For(c.photoID))
			sum = sum.Add(score.Adjusted)
			batch.Queue(`
				UPDATE rounds SET
					multiplier = $2::numeric,
					adjusted_score = $3::numeric,
					version = version + 1
				WHERE id = $1
			`, c.id, score.Multiplier.String(), score.Adjusted.String())
		}

		br := tx.SendBatch(ctx, batch)
		for range rounds {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return decimal.Zero, fmt.Errorf("rescoring rounds: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return decimal.Zero, fmt.Errorf("rescoring rounds: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE player_totals SET total_score = $2::numeric, rounds_completed = $3, updated_at = $4
		WHERE player_id = $1
	`, playerID, sum.String(), len(rounds), now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("resetting player total: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("committing reconciliation: %w", err)
	}
	return sum, nil
}

// addToTotal adds delta to the player's total and counts one more completed
// round, returning the new aggregate
func addToTotal(ctx context.Context, db querier, playerID string, delta decimal.Decimal, at time.Time) (*domain.PlayerTotal, error) {
	var (
		t     = domain.PlayerTotal{PlayerID: playerID}
		total string
	)
	err := db.QueryRow(ctx, `
		INSERT INTO player_totals (player_id, total_score, rounds_completed, updated_at)
		VALUES ($1, $2::numeric, 1, $3)
		ON CONFLICT (player_id) DO UPDATE SET
			total_score = player_totals.total_score + EXCLUDED.total_score,
			rounds_completed = player_totals.rounds_completed + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING total_score::text, rounds_completed, updated_at
	`, playerID, delta.String(), at).Scan(&total, &t.RoundsCompleted, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updating player total: %w", err)
	}
	if t.TotalScore, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parsing total of player %s: %w", playerID, err)
	}
	return &t, nil
}

// GetPlayerTotal returns a player's ledger total
func (r *Repository) GetPlayerTotal(ctx context.Context, playerID string) (*domain.PlayerTotal, error) {
	var (
		t     = domain.PlayerTotal{PlayerID: playerID}
		total string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT total_score::text, rounds_completed, updated_at
		FROM player_totals
		WHERE player_id = $1
	`, playerID).Scan(&total, &t.RoundsCompleted, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting player total: %w", err)
	}
	if t.TotalScore, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parsing total of player %s: %w", playerID, err)
	}
	return &t, nil
}

// ListPlayerTotals returns every player total ordered by player id
func (r *Repository) ListPlayerTotals(ctx context.Context) ([]domain.PlayerTotal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT player_id, total_score::text, rounds_completed, updated_at
		FROM player_totals
		ORDER BY player_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing player totals: %w", err)
	}
	defer rows.Close()

	var totals []domain.PlayerTotal
	for rows.Next() {
		var (
			t     domain.PlayerTotal
			total string
		)
		if err := rows.Scan(&t.PlayerID, &total, &t.RoundsCompleted, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning player total: %w", err)
		}
		if t.TotalScore, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("parsing total of player %s: %w", t.PlayerID, err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
