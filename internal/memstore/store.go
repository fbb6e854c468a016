// Package memstore is a process-local implementation of every storage and
// collaborator interface. It backs the memory storage driver and the tests.
package memstore

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/airfeeld-scoring/internal/seed"
	"github.com/shopspring/decimal"
)

// Store keeps rounds, photo statistics, the activation record and player
// totals behind a single mutex, so each method is one atomic step.
type Store struct {
	mu sync.RWMutex

	airports map[string]domain.Airport
	codes    map[string]string
	photos   map[string]domain.Photo
	order    []string

	rounds       map[string]*domain.Round
	playerRounds map[string][]string
	seen         map[string]map[string]bool

	stats      map[string]*domain.PhotoDifficultyStat
	activation domain.ActivationState
	totals     map[string]*domain.PlayerTotal

	now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		airports:     make(map[string]domain.Airport),
		codes:        make(map[string]string),
		photos:       make(map[string]domain.Photo),
		rounds:       make(map[string]*domain.Round),
		playerRounds: make(map[string][]string),
		seen:         make(map[string]map[string]bool),
		stats:        make(map[string]*domain.PhotoDifficultyStat),
		totals:       make(map[string]*domain.PlayerTotal),
		now:          time.Now,
	}
}

// NewSeeded creates a store holding the given catalog
func NewSeeded(c *seed.Catalog) *Store {
	s := New()
	s.ApplyCatalog(c)
	return s
}

// SetClock overrides the time source used for timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ApplyCatalog adds or replaces airports and photos
func (s *Store) ApplyCatalog(c *seed.Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range c.Airports {
		s.putAirport(a)
	}
	for _, p := range c.Photos {
		s.putPhoto(p)
	}
}

// AddAirport adds an airport to the catalog
func (s *Store) AddAirport(a domain.Airport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAirport(a)
}

// AddPhoto adds a photo to the catalog
func (s *Store) AddPhoto(p domain.Photo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putPhoto(p)
}

func (s *Store) putAirport(a domain.Airport) {
	s.airports[a.ID] = a
	for _, code := range []string{a.ID, a.IATA, a.ICAO} {
		if code = domain.NormalizeAirportRef(code); code != "" {
			s.codes[code] = a.ID
		}
	}
}

func (s *Store) putPhoto(p domain.Photo) {
	if _, ok := s.photos[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	s.photos[p.ID] = p
}

// SelectUnseenPhoto picks a random approved photo the player has not been shown
func (s *Store) SelectUnseenPhoto(_ context.Context, playerID string) (domain.PhotoRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := s.seen[playerID]
	var candidates []domain.Photo
	for _, id := range s.order {
		p := s.photos[id]
		if p.Approved && !seen[id] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return domain.PhotoRef{}, domain.ErrNoAvailablePhoto
	}
	return candidates[rand.Intn(len(candidates))].Ref(), nil
}

// GetAirportTruth returns the airport a photo depicts
func (s *Store) GetAirportTruth(_ context.Context, photoID string) (domain.Airport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.photos[photoID]
	if !ok {
		return domain.Airport{}, domain.ErrPhotoNotFound
	}
	a, ok := s.airports[p.AirportID]
	if !ok {
		return domain.Airport{}, fmt.Errorf("photo %s references airport %s: %w", photoID, p.AirportID, domain.ErrUnknownAirport)
	}
	return a, nil
}

// ResolveAirport looks an airport up by id, IATA or ICAO code
func (s *Store) ResolveAirport(_ context.Context, ref string) (domain.Airport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.codes[domain.NormalizeAirportRef(ref)]
	if !ok {
		return domain.Airport{}, fmt.Errorf("%q: %w", ref, domain.ErrUnknownAirport)
	}
	return s.airports[id], nil
}

// ApprovedPhotoCount returns the number of approved photos
func (s *Store) ApprovedPhotoCount(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, p := range s.photos {
		if p.Approved {
			n++
		}
	}
	return n, nil
}

// UniquePlayerCount returns the number of players with a completed round
func (s *Store) UniquePlayerCount(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, t := range s.totals {
		if t.RoundsCompleted > 0 {
			n++
		}
	}
	return n, nil
}

// CreateRound stores a new round and marks its photo as seen by the player
func (s *Store) CreateRound(_ context.Context, round *domain.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rounds[round.ID]; ok {
		return fmt.Errorf("round %s already exists", round.ID)
	}
	s.rounds[round.ID] = round.Clone()
	s.playerRounds[round.PlayerID] = append(s.playerRounds[round.PlayerID], round.ID)
	if s.seen[round.PlayerID] == nil {
		s.seen[round.PlayerID] = make(map[string]bool)
	}
	s.seen[round.PlayerID][round.PhotoID] = true
	return nil
}

// GetRound returns a copy of the stored round
func (s *Store) GetRound(_ context.Context, roundID string) (*domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[roundID]
	if !ok {
		return nil, domain.ErrRoundNotFound
	}
	return r.Clone(), nil
}

// SaveAttempt replaces the round if its version is unchanged and, on
// completion, applies the counter and total updates in the same step.
func (s *Store) SaveAttempt(_ context.Context, round *domain.Round, _ domain.Guess) (*domain.PlayerTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replaceRound(round); err != nil {
		return nil, err
	}
	if round.State != domain.StateCompleted {
		return nil, nil
	}

	stat := s.statFor(round.PhotoID)
	stat.TotalAttempts++
	if round.Score.Base > 0 {
		stat.SuccessfulAttempts++
	}

	t, ok := s.totals[round.PlayerID]
	if !ok {
		t = &domain.PlayerTotal{PlayerID: round.PlayerID, TotalScore: decimal.Zero}
		s.totals[round.PlayerID] = t
	}
	t.TotalScore = t.TotalScore.Add(round.Score.Adjusted)
	t.RoundsCompleted++
	t.UpdatedAt = s.now().UTC()

	out := *t
	return &out, nil
}

// ExpireRound stores the expired round if its version is unchanged
func (s *Store) ExpireRound(_ context.Context, round *domain.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceRound(round)
}

func (s *Store) replaceRound(round *domain.Round) error {
	cur, ok := s.rounds[round.ID]
	if !ok {
		return domain.ErrRoundNotFound
	}
	if cur.Version != round.Version {
		return domain.ErrVersionConflict
	}
	round.Version++
	s.rounds[round.ID] = round.Clone()
	return nil
}

// ExpireStaleRounds expires every open round whose deadline has passed
func (s *Store) ExpireStaleRounds(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.rounds {
		if !r.IsExpired(now) {
			continue
		}
		if err := r.Expire(now); err != nil {
			return n, err
		}
		r.Version++
		n++
	}
	return n, nil
}

// ListPlayerRounds returns the player's rounds, newest first
func (s *Store) ListPlayerRounds(_ context.Context, playerID string, limit int) ([]domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.playerRounds[playerID]
	out := make([]domain.Round, 0, min(limit, len(ids)))
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.rounds[ids[i]].Clone())
	}
	return out, nil
}

// GetActivation returns the activation record
func (s *Store) GetActivation(context.Context) (domain.ActivationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activation, nil
}

// UpdatePopulation records the latest population counts
func (s *Store) UpdatePopulation(_ context.Context, photos, players int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activation.PhotoCount = photos
	s.activation.PlayerCount = players
	return nil
}

// TryActivate flips the activation flag once
func (s *Store) TryActivate(_ context.Context, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activation.Activated {
		return false, nil
	}
	s.activation.Activated = true
	s.activation.ActivatedAt = &at
	return true, nil
}

// MarkRetroactiveComplete stamps the end of the retroactive pass
func (s *Store) MarkRetroactiveComplete(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activation.RetroactiveCompletedAt = &at
	return nil
}

// ListPhotoStats returns every photo's statistics ordered by photo id
func (s *Store) ListPhotoStats(context.Context) ([]domain.PhotoDifficultyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PhotoDifficultyStat, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhotoID < out[j].PhotoID })
	return out, nil
}

// GetPhotoStat returns one photo's statistics
func (s *Store) GetPhotoStat(_ context.Context, photoID string) (*domain.PhotoDifficultyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[photoID]
	if !ok {
		return nil, domain.ErrStatNotFound
	}
	out := *st
	return &out, nil
}

// UpdatePhotoMultipliers writes the derived fields of each stat
func (s *Store) UpdatePhotoMultipliers(_ context.Context, stats []domain.PhotoDifficultyStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range stats {
		st := s.statFor(in.PhotoID)
		st.Multiplier = domain.ClampMultiplier(in.Multiplier)
		st.Active = in.Active
		st.LastRecomputed = in.LastRecomputed
	}
	return nil
}

// SetPhotoStat overwrites a photo's statistics, counters included
func (s *Store) SetPhotoStat(stat domain.PhotoDifficultyStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stat.Multiplier.IsZero() {
		stat.Multiplier = domain.MinMultiplier
	}
	s.stats[stat.PhotoID] = &stat
}

func (s *Store) statFor(photoID string) *domain.PhotoDifficultyStat {
	st, ok := s.stats[photoID]
	if !ok {
		st = &domain.PhotoDifficultyStat{PhotoID: photoID, Multiplier: domain.MinMultiplier}
		s.stats[photoID] = st
	}
	return st
}

// ListPlayersWithCompletedRounds returns player ids in sorted order
func (s *Store) ListPlayersWithCompletedRounds(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.totals))
	for id, t := range s.totals {
		if t.RoundsCompleted > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReconcilePlayer rescores the player's completed rounds from snapshot and
// resets their total to the new sum
func (s *Store) ReconcilePlayer(ctx context.Context, playerID string, snapshot domain.MultiplierSnapshot) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum := decimal.Zero
	var completed int64
	for _, id := range s.playerRounds[playerID] {
		r := s.rounds[id]
		if r.State != domain.StateCompleted {
			continue
		}
		r.Score = domain.NewScore(r.Score.Base, snapshot.For(r.PhotoID))
		r.Version++
		sum = sum.Add(r.Score.Adjusted)
		completed++
	}

	t, ok := s.totals[playerID]
	if !ok {
		t = &domain.PlayerTotal{PlayerID: playerID}
		s.totals[playerID] = t
	}
	t.TotalScore = sum
	t.RoundsCompleted = completed
	t.UpdatedAt = s.now().UTC()
	return sum, nil
}

// GetPlayerTotal returns a player's ledger total
func (s *Store) GetPlayerTotal(_ context.Context, playerID string) (*domain.PlayerTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.totals[playerID]
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	out := *t
	return &out, nil
}

// ListPlayerTotals returns every player total ordered by player id
func (s *Store) ListPlayerTotals(context.Context) ([]domain.PlayerTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PlayerTotal, 0, len(s.totals))
	for _, t := range s.totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error {
	return nil
}
