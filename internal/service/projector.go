package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/airfeeld-scoring/internal/domain"
	"github.com/shopspring/decimal"
)

// EventLog keeps score events for auditing
type EventLog interface {
	RecordEvents(ctx context.Context, events []domain.ScoreEvent) error
}

// TotalReader reads a player's authoritative total
type TotalReader interface {
	GetPlayerTotal(ctx context.Context, playerID string) (*domain.PlayerTotal, error)
}

// EventProjector applies consumed score events to the read side: the
// leaderboard, the audit log and live subscribers
type EventProjector struct {
	recorder    TotalRecorder
	ledger      TotalReader
	log         EventLog
	broadcaster EventPublisher
	logger      *slog.Logger
}

// NewEventProjector creates a projector writing totals to recorder
func NewEventProjector(recorder TotalRecorder, logger *slog.Logger) *EventProjector {
	return &EventProjector{
		recorder: recorder,
		logger:   logger,
	}
}

// SetLedger makes the projector record the ledger's current total instead
// of the one carried by the event, so an event delivered late cannot roll a
// player back
func (p *EventProjector) SetLedger(l TotalReader) {
	p.ledger = l
}

// SetEventLog sets where events are archived
func (p *EventProjector) SetEventLog(l EventLog) {
	p.log = l
}

// SetBroadcaster sets where events are forwarded to live subscribers
func (p *EventProjector) SetBroadcaster(b EventPublisher) {
	p.broadcaster = b
}

// HandleEvents projects one batch. Only the last total of each player in
// the batch is written.
func (p *EventProjector) HandleEvents(ctx context.Context, events []domain.ScoreEvent) error {
	latest := make(map[string]decimal.Decimal)
	var order []string
	for _, e := range events {
		if e.PlayerID == "" || e.TotalScore == nil {
			continue
		}
		if _, ok := latest[e.PlayerID]; !ok {
			order = append(order, e.PlayerID)
		}
		latest[e.PlayerID] = *e.TotalScore
	}

	var errs []error
	if p.recorder != nil {
		for _, playerID := range order {
			total := latest[playerID]
			if p.ledger != nil {
				pt, err := p.ledger.GetPlayerTotal(ctx, playerID)
				if err != nil {
					p.logger.Warn("failed to read ledger total, using event total", "player_id", playerID, "error", err)
				} else {
					total = pt.TotalScore
				}
			}
			if err := p.recorder.RecordPlayerTotal(ctx, playerID, total); err != nil {
				errs = append(errs, fmt.Errorf("recording total of %s: %w", playerID, err))
			}
		}
	}

	if p.log != nil {
		if err := p.log.RecordEvents(ctx, events); err != nil {
			errs = append(errs, fmt.Errorf("archiving events: %w", err))
		}
	}

	if p.broadcaster != nil {
		for _, e := range events {
			if err := p.broadcaster.Publish(ctx, e); err != nil {
				p.logger.Warn("failed to broadcast event", "event_type", e.Type, "error", err)
			}
		}
	}

	p.logger.Debug("projected score events", "events", len(events), "players", len(order))
	return errors.Join(errs...)
}
