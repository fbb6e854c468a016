package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/airfeeld-scoring/internal/difficulty"
	"github.com/airfeeld-scoring/internal/domain"
	"github.com/airfeeld-scoring/internal/metrics"
	"github.com/airfeeld-scoring/internal/service"
	"github.com/airfeeld-scoring/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DifficultyRunner triggers an aggregator pass outside the schedule. Runs
// are only accepted while it is running.
type DifficultyRunner interface {
	RunOnce(ctx context.Context) (difficulty.Result, error)
	IsRunning() bool
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the game API
type Handler struct {
	game       *service.GameService
	board      *service.LeaderboardService
	difficulty *difficulty.Aggregator
	runner     DifficultyRunner
	hub        *websocket.Hub
	checks     map[string]Pinger
	logger     *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	game *service.GameService,
	board *service.LeaderboardService,
	agg *difficulty.Aggregator,
	hub *websocket.Hub,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		game:       game,
		board:      board,
		difficulty: agg,
		hub:        hub,
		checks:     make(map[string]Pinger),
		logger:     logger,
	}
}

// SetRunner sets what the admin endpoint uses to run the aggregator
func (h *Handler) SetRunner(r DifficultyRunner) {
	h.runner = r
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.checks[name] = p
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/rounds", func(r chi.Router) {
			r.Post("/", h.StartRound)
			r.Get("/{roundID}", h.GetRound)
			r.Post("/{roundID}/guesses", h.SubmitGuess)
		})

		r.Get("/players/{playerID}/rounds", h.ListPlayerRounds)

		r.Route("/leaderboard", func(r chi.Router) {
			r.Get("/top", h.GetTop)
			r.Get("/players/{playerID}", h.GetPlayerRank)
			r.Get("/players/{playerID}/around", h.GetAroundPlayer)
		})

		r.Route("/difficulty", func(r chi.Router) {
			r.Get("/", h.GetDifficulty)
			r.Get("/photos/{photoID}", h.GetPhotoDifficulty)
		})

		r.Post("/admin/difficulty/run", h.RunDifficulty)

		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeFailure maps err onto a status code. Errors the caller cannot act on
// are logged and reported as internal.
func (h *Handler) writeFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, status, domain.ErrInternalError)
		return
	}
	h.writeError(w, status, rootCause(err))
}

func statusFor(err error) int {
	switch {
	case domain.IsNotFoundError(err), errors.Is(err, domain.ErrStatNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRoundExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrRoundAlreadyComplete),
		errors.Is(err, domain.ErrOutOfSequenceAttempt),
		errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownAirport):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// rootCause returns the domain sentinel behind err so wrapped context such
// as round ids is not echoed back to clients
func rootCause(err error) error {
	for _, sentinel := range []error{
		domain.ErrRoundNotFound,
		domain.ErrPlayerNotFound,
		domain.ErrPhotoNotFound,
		domain.ErrStatNotFound,
		domain.ErrNoAvailablePhoto,
		domain.ErrInvalidToken,
		domain.ErrRoundExpired,
		domain.ErrRoundAlreadyComplete,
		domain.ErrOutOfSequenceAttempt,
		domain.ErrUnknownAirport,
		domain.ErrInvalidRequest,
		domain.ErrLockHeld,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return err
}

// queryInt reads a positive integer query parameter, or def
func queryInt(r *http.Request, name string, def int) int {
	if s := r.URL.Query().Get(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]any{
		"total_connections":       h.hub.GetTotalConnections(),
		"leaderboard_subscribers": h.hub.GetSubscriberCount(websocket.TopicLeaderboard),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck probes every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    failed,
			Error:   "not ready",
		})
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// StartRound begins a new round for the player
func (h *Handler) StartRound(w http.ResponseWriter, r *http.Request) {
	var req domain.StartRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	round, err := h.game.StartRound(r.Context(), req.PlayerID)
	if err != nil {
		h.writeFailure(w, "start_round", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data: domain.RoundStarted{
			RoundID:   round.ID,
			Token:     round.Token,
			PhotoRef:  round.ImageRef,
			ExpiresAt: round.ExpiresAt,
		},
	})
}

// GetRound returns the player's view of a round
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	roundID := chi.URLParam(r, "roundID")
	status, err := h.game.GetRound(r.Context(), roundID, r.URL.Query().Get("player_id"))
	if err != nil {
		h.writeFailure(w, "get_round", err)
		return
	}
	h.writeSuccess(w, status)
}

// SubmitGuess applies a guess to the round named in the path
func (h *Handler) SubmitGuess(w http.ResponseWriter, r *http.Request) {
	var req domain.GuessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	req.RoundID = chi.URLParam(r, "roundID")

	feedback, err := h.game.SubmitGuess(r.Context(), req)
	if err != nil {
		h.writeFailure(w, "submit_guess", err)
		return
	}
	h.writeSuccess(w, feedback)
}

// ListPlayerRounds returns the player's recent rounds
func (h *Handler) ListPlayerRounds(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	rounds, err := h.game.ListPlayerRounds(r.Context(), playerID, queryInt(r, "limit", 20))
	if err != nil {
		h.writeFailure(w, "list_player_rounds", err)
		return
	}
	h.writeSuccess(w, rounds)
}

// GetTop returns the top players and the number of ranked players
func (h *Handler) GetTop(w http.ResponseWriter, r *http.Request) {
	entries, err := h.board.GetTopN(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		h.writeFailure(w, "get_top", err)
		return
	}
	count, err := h.board.GetCount(r.Context())
	if err != nil {
		h.writeFailure(w, "get_top", err)
		return
	}

	h.writeSuccess(w, map[string]any{
		"entries":       entries,
		"total_players": count,
	})
}

// GetPlayerRank returns a player's rank and total
func (h *Handler) GetPlayerRank(w http.ResponseWriter, r *http.Request) {
	standing, err := h.board.GetPlayerRank(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		h.writeFailure(w, "get_player_rank", err)
		return
	}
	h.writeSuccess(w, standing)
}

// GetAroundPlayer returns players ranked around a player
func (h *Handler) GetAroundPlayer(w http.ResponseWriter, r *http.Request) {
	entries, err := h.board.GetAroundPlayer(r.Context(), chi.URLParam(r, "playerID"), queryInt(r, "range", 0))
	if err != nil {
		h.writeFailure(w, "get_around_player", err)
		return
	}
	h.writeSuccess(w, entries)
}

// GetDifficulty returns the activation record and photo statistics
func (h *Handler) GetDifficulty(w http.ResponseWriter, r *http.Request) {
	status, err := h.difficulty.Status(r.Context())
	if err != nil {
		h.writeFailure(w, "get_difficulty", err)
		return
	}
	h.writeSuccess(w, status)
}

// GetPhotoDifficulty returns one photo's statistics
func (h *Handler) GetPhotoDifficulty(w http.ResponseWriter, r *http.Request) {
	stat, err := h.difficulty.PhotoStat(r.Context(), chi.URLParam(r, "photoID"))
	if err != nil {
		h.writeFailure(w, "get_photo_difficulty", err)
		return
	}
	h.writeSuccess(w, stat)
}

// RunDifficulty runs the aggregator now
func (h *Handler) RunDifficulty(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil || !h.runner.IsRunning() {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("difficulty worker disabled"))
		return
	}

	res, err := h.runner.RunOnce(r.Context())
	if err != nil {
		h.writeFailure(w, "run_difficulty", err)
		return
	}
	h.writeSuccess(w, res)
}
