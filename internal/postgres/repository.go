package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/airfeeld-scoring/internal/config"
	"github.com/airfeeld-scoring/internal/domain"
	"github.com/airfeeld-scoring/internal/seed"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return NewFromPool(pool, logger), nil
}

// NewFromPool wraps an existing pool
func NewFromPool(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger,
	}
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS airports (
			id VARCHAR(16) PRIMARY KEY,
			iata VARCHAR(3) NOT NULL DEFAULT '',
			icao VARCHAR(4) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL,
			city VARCHAR(255) NOT NULL DEFAULT '',
			country VARCHAR(255) NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS photos (
			id VARCHAR(64) PRIMARY KEY,
			airport_id VARCHAR(16) NOT NULL REFERENCES airports(id),
			image_ref TEXT NOT NULL,
			approved BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS rounds (
			id VARCHAR(64) PRIMARY KEY,
			token VARCHAR(64) NOT NULL,
			player_id VARCHAR(64) NOT NULL,
			photo_id VARCHAR(64) NOT NULL REFERENCES photos(id),
			state VARCHAR(16) NOT NULL,
			base_score INT NOT NULL DEFAULT 0,
			multiplier NUMERIC(6,4) NOT NULL DEFAULT 1,
			adjusted_score NUMERIC(12,4) NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			CHECK (multiplier BETWEEN 1 AND 3)
		)`,
		`CREATE TABLE IF NOT EXISTS guesses (
			round_id VARCHAR(64) NOT NULL REFERENCES rounds(id) ON DELETE CASCADE,
			attempt SMALLINT NOT NULL CHECK (attempt BETWEEN 1 AND 3),
			airport_ref VARCHAR(16) NOT NULL,
			airport_id VARCHAR(16) NOT NULL,
			correct BOOLEAN NOT NULL,
			distance_km DOUBLE PRECISION,
			distance_miles DOUBLE PRECISION,
			submitted_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (round_id, attempt)
		)`,
		`CREATE TABLE IF NOT EXISTS photo_difficulty (
			photo_id VARCHAR(64) PRIMARY KEY,
			total_attempts BIGINT NOT NULL DEFAULT 0,
			successful_attempts BIGINT NOT NULL DEFAULT 0,
			multiplier NUMERIC(6,4) NOT NULL DEFAULT 1,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			last_recomputed TIMESTAMPTZ,
			CHECK (successful_attempts <= total_attempts),
			CHECK (multiplier BETWEEN 1 AND 3)
		)`,
		`CREATE TABLE IF NOT EXISTS activation_state (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			photo_count BIGINT NOT NULL DEFAULT 0,
			player_count BIGINT NOT NULL DEFAULT 0,
			activated BOOLEAN NOT NULL DEFAULT FALSE,
			activated_at TIMESTAMPTZ,
			retroactive_completed_at TIMESTAMPTZ
		)`,
		`INSERT INTO activation_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS player_totals (
			player_id VARCHAR(64) PRIMARY KEY,
			total_score NUMERIC(14,4) NOT NULL DEFAULT 0,
			rounds_completed BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS score_events (
			id BIGSERIAL PRIMARY KEY,
			event_type VARCHAR(32) NOT NULL,
			player_id VARCHAR(64) NOT NULL DEFAULT '',
			round_id VARCHAR(64) NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_player ON rounds(player_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_open ON rounds(expires_at) WHERE state IN ('attempt_1', 'attempt_2', 'attempt_3')`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_completed ON rounds(player_id) WHERE state = 'completed'`,
		`CREATE INDEX IF NOT EXISTS idx_photos_airport ON photos(airport_id)`,
		`CREATE INDEX IF NOT EXISTS idx_score_events_player ON score_events(player_id, created_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// ApplyCatalog upserts the airports and photos of c
func (r *Repository) ApplyCatalog(ctx context.Context, c *seed.Catalog) error {
	batch := &pgx.Batch{}
	for _, a := range c.Airports {
		batch.Queue(`
			INSERT INTO airports (id, iata, icao, name, city, country, latitude, longitude)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				iata = $2, icao = $3, name = $4, city = $5, country = $6,
				latitude = $7, longitude = $8
		`, a.ID, a.IATA, a.ICAO, a.Name, a.City, a.Country, a.Latitude, a.Longitude)
	}
	for _, p := range c.Photos {
		batch.Queue(`
			INSERT INTO photos (id, airport_id, image_ref, approved)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET airport_id = $2, image_ref = $3, approved = $4
		`, p.ID, p.AirportID, p.ImageRef, p.Approved)
	}
	if batch.Len() == 0 {
		return nil
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("applying catalog: %w", err)
		}
	}

	r.logger.Info("catalog applied", "airports", len(c.Airports), "photos", len(c.Photos))
	return nil
}

const airportColumns = `a.id, a.iata, a.icao, a.name, a.city, a.country, a.latitude, a.longitude`

func scanAirport(row pgx.Row) (domain.Airport, error) {
	var a domain.Airport
	err := row.Scan(&a.ID, &a.IATA, &a.ICAO, &a.Name, &a.City, &a.Country, &a.Latitude, &a.Longitude)
	return a, err
}

// SelectUnseenPhoto picks a random approved photo the player has not been shown
func (r *Repository) SelectUnseenPhoto(ctx context.Context, playerID string) (domain.PhotoRef, error) {
	query := `
		SELECT p.id, p.image_ref
		FROM photos p
		WHERE p.approved
		  AND NOT EXISTS (
			SELECT 1 FROM rounds r WHERE r.player_id = $1 AND r.photo_id = p.id
		  )
		ORDER BY random()
		LIMIT 1
	`
	var ref domain.PhotoRef
	err := r.pool.QueryRow(ctx, query, playerID).Scan(&ref.PhotoID, &ref.ImageRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PhotoRef{}, domain.ErrNoAvailablePhoto
		}
		return domain.PhotoRef{}, fmt.Errorf("selecting photo: %w", err)
	}
	return ref, nil
}

// GetAirportTruth returns the airport a photo depicts
func (r *Repository) GetAirportTruth(ctx context.Context, photoID string) (domain.Airport, error) {
	query := `
		SELECT ` + airportColumns + `
		FROM photos p
		JOIN airports a ON a.id = p.airport_id
		WHERE p.id = $1
	`
	a, err := scanAirport(r.pool.QueryRow(ctx, query, photoID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Airport{}, domain.ErrPhotoNotFound
		}
		return domain.Airport{}, fmt.Errorf("getting airport truth: %w", err)
	}
	return a, nil
}

// ResolveAirport looks an airport up by id, IATA or ICAO code
func (r *Repository) ResolveAirport(ctx context.Context, ref string) (domain.Airport, error) {
	code := domain.NormalizeAirportRef(ref)
	if code == "" {
		return domain.Airport{}, fmt.Errorf("%q: %w", ref, domain.ErrUnknownAirport)
	}

	query := `
		SELECT ` + airportColumns + `
		FROM airports a
		WHERE upper(a.id) = $1 OR upper(a.iata) = $1 OR upper(a.icao) = $1
		ORDER BY a.id
		LIMIT 1
	`
	a, err := scanAirport(r.pool.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Airport{}, fmt.Errorf("%q: %w", ref, domain.ErrUnknownAirport)
		}
		return domain.Airport{}, fmt.Errorf("resolving airport: %w", err)
	}
	return a, nil
}

// ApprovedPhotoCount returns the number of approved photos
func (r *Repository) ApprovedPhotoCount(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM photos WHERE approved`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting photos: %w", err)
	}
	return n, nil
}

// UniquePlayerCount returns the number of players with a completed round
func (r *Repository) UniquePlayerCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM player_totals WHERE rounds_completed > 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting players: %w", err)
	}
	return n, nil
}

// RecordEvent records a score event for auditing
func (r *Repository) RecordEvent(ctx context.Context, event domain.ScoreEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	query := `
		INSERT INTO score_events (event_type, player_id, round_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = r.pool.Exec(ctx, query,
		event.Type,
		event.PlayerID,
		event.RoundID,
		payload,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// RecordEvents records a batch of score events
func (r *Repository) RecordEvents(ctx context.Context, events []domain.ScoreEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO score_events (event_type, player_id, round_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshaling event: %w", err)
		}
		batch.Queue(query, event.Type, event.PlayerID, event.RoundID, payload, event.Timestamp)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch recording events: %w", err)
		}
	}
	return nil
}
