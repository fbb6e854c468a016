package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const roundColumns = `
	r.id, r.token, r.player_id, r.photo_id, p.image_ref, r.state,
	r.base_score, r.multiplier::text, r.adjusted_score::text, r.version,
	r.created_at, r.expires_at, r.completed_at, ` + airportColumns + `
`

const roundFrom = `
	FROM rounds r
	JOIN photos p ON p.id = r.photo_id
	JOIN airports a ON a.id = p.airport_id
`

func scanRound(row pgx.Row) (*domain.Round, error) {
	var (
		rd                 domain.Round
		multiplier, adjust string
	)
	err := row.Scan(
		&rd.ID, &rd.Token, &rd.PlayerID, &rd.PhotoID, &rd.ImageRef, &rd.State,
		&rd.Score.Base, &multiplier, &adjust, &rd.Version,
		&rd.CreatedAt, &rd.ExpiresAt, &rd.CompletedAt,
		&rd.Airport.ID, &rd.Airport.IATA, &rd.Airport.ICAO, &rd.Airport.Name,
		&rd.Airport.City, &rd.Airport.Country, &rd.Airport.Latitude, &rd.Airport.Longitude,
	)
	if err != nil {
		return nil, err
	}
	if rd.Score.Multiplier, err = decimal.NewFromString(multiplier); err != nil {
		return nil, fmt.Errorf("parsing multiplier of round %s: %w", rd.ID, err)
	}
	if rd.Score.Adjusted, err = decimal.NewFromString(adjust); err != nil {
		return nil, fmt.Errorf("parsing adjusted score of round %s: %w", rd.ID, err)
	}
	rd.Guesses = make([]domain.Guess, 0, domain.MaxAttempts)
	return &rd, nil
}

// CreateRound stores a new round
func (r *Repository) CreateRound(ctx context.Context, round *domain.Round) error {
	query := `
		INSERT INTO rounds (id, token, player_id, photo_id, state, base_score, multiplier,
			adjusted_score, version, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11)
	`
	_, err := r.pool.Exec(ctx, query,
		round.ID,
		round.Token,
		round.PlayerID,
		round.PhotoID,
		string(round.State),
		round.Score.Base,
		round.Score.Multiplier.String(),
		round.Score.Adjusted.String(),
		round.Version,
		round.CreatedAt,
		round.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating round: %w", err)
	}
	return nil
}

// GetRound returns a round with its guesses and true airport
func (r *Repository) GetRound(ctx context.Context, roundID string) (*domain.Round, error) {
	round, err := scanRound(r.pool.QueryRow(ctx, `SELECT `+roundColumns+roundFrom+` WHERE r.id = $1`, roundID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRoundNotFound
		}
		return nil, fmt.Errorf("getting round: %w", err)
	}

	if err := r.loadGuesses(ctx, []*domain.Round{round}); err != nil {
		return nil, err
	}
	return round, nil
}

// ListPlayerRounds returns the player's rounds, newest first
func (r *Repository) ListPlayerRounds(ctx context.Context, playerID string, limit int) ([]domain.Round, error) {
	query := `SELECT ` + roundColumns + roundFrom + `
		WHERE r.player_id = $1
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*domain.Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning round: %w", err)
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing rounds: %w", err)
	}

	if err := r.loadGuesses(ctx, rounds); err != nil {
		return nil, err
	}

	out := make([]domain.Round, len(rounds))
	for i, round := range rounds {
		out[i] = *round
	}
	return out, nil
}

// loadGuesses fills in the guesses of each round in attempt order
func (r *Repository) loadGuesses(ctx context.Context, rounds []*domain.Round) error {
	if len(rounds) == 0 {
		return nil
	}

	byID := make(map[string]*domain.Round, len(rounds))
	ids := make([]string, len(rounds))
	for i, round := range rounds {
		byID[round.ID] = round
		ids[i] = round.ID
	}

	query := `
		SELECT round_id, attempt, airport_ref, airport_id, correct,
			distance_km, distance_miles, submitted_at
		FROM guesses
		WHERE round_id = ANY($1)
		ORDER BY round_id, attempt
	`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("loading guesses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g domain.Guess
		err := rows.Scan(&g.RoundID, &g.Attempt, &g.AirportRef, &g.AirportID, &g.Correct,
			&g.DistanceKm, &g.DistanceMiles, &g.SubmittedAt)
		if err != nil {
			return fmt.Errorf("scanning guess: %w", err)
		}
		if round, ok := byID[g.RoundID]; ok {
			round.Guesses = append(round.Guesses, g)
		}
	}
	return rows.Err()
}

// SaveAttempt writes guess and the advanced round in one transaction,
// guarded by round.Version. On completion it also bumps the photo's attempt
// counters and adds the adjusted score to the player's total.
func (r *Repository) SaveAttempt(ctx context.Context, round *domain.Round, guess domain.Guess) (*domain.PlayerTotal, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateRound(ctx, tx, round); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO guesses (round_id, attempt, airport_ref, airport_id, correct,
			distance_km, distance_miles, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, round.ID, guess.Attempt, guess.AirportRef, guess.AirportID, guess.Correct,
		guess.DistanceKm, guess.DistanceMiles, guess.SubmittedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting guess: %w", err)
	}

	var total *domain.PlayerTotal
	if round.State == domain.StateCompleted {
		successful := 0
		if round.Score.Base > 0 {
			successful = 1
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO photo_difficulty (photo_id, total_attempts, successful_attempts)
			VALUES ($1, 1, $2)
			ON CONFLICT (photo_id) DO UPDATE SET
				total_attempts = photo_difficulty.total_attempts + 1,
				successful_attempts = photo_difficulty.successful_attempts + EXCLUDED.successful_attempts
		`, round.PhotoID, successful)
		if err != nil {
			return nil, fmt.Errorf("incrementing photo stats: %w", err)
		}

		total, err = addToTotal(ctx, tx, round.PlayerID, round.Score.Adjusted, time.Now().UTC())
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing attempt: %w", err)
	}
	round.Version++
	return total, nil
}

// ExpireRound stores the expired round if its version is unchanged
func (r *Repository) ExpireRound(ctx context.Context, round *domain.Round) error {
	if err := updateRound(ctx, r.pool, round); err != nil {
		return err
	}
	round.Version++
	return nil
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// updateRound writes the mutable columns of round if its stored version
// still equals round.Version
func updateRound(ctx context.Context, db querier, round *domain.Round) error {
	tag, err := db.Exec(ctx, `
		UPDATE rounds SET
			state = $3,
			base_score = $4,
			multiplier = $5::numeric,
			adjusted_score = $6::numeric,
			completed_at = $7,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, round.ID, round.Version, string(round.State), round.Score.Base,
		round.Score.Multiplier.String(), round.Score.Adjusted.String(), round.CompletedAt)
	if err != nil {
		return fmt.Errorf("updating round: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rounds WHERE id = $1)`, round.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking round: %w", err)
	}
	if !exists {
		return domain.ErrRoundNotFound
	}
	return domain.ErrVersionConflict
}

// ExpireStaleRounds expires every open round whose deadline has passed
func (r *Repository) ExpireStaleRounds(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE rounds SET
			state = $2,
			completed_at = $1,
			version = version + 1
		WHERE state IN ($3, $4, $5) AND expires_at <= $1
	`, now, string(domain.StateExpired),
		string(domain.StateAttempt1), string(domain.StateAttempt2), string(domain.StateAttempt3))
	if err != nil {
		return 0, fmt.Errorf("expiring stale rounds: %w", err)
	}
	return tag.RowsAffected(), nil
}
