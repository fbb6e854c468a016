package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/airfeeld-scoring/internal/config"
	"github.com/airfeeld-scoring/internal/domain"
	"github.com/shopspring/decimal"
)

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "airfeeld-scores" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type recordingHandler struct {
	mu      sync.Mutex
	batches [][]domain.ScoreEvent
}

func (h *recordingHandler) HandleEvents(_ context.Context, events []domain.ScoreEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, append([]domain.ScoreEvent(nil), events...))
	return nil
}

func TestConsumeClaimBatchesEvents(t *testing.T) {
	handler := &recordingHandler{}
	consumer := &Consumer{
		config: &config.KafkaConfig{
			Topic:        "airfeeld-scores",
			BatchSize:    2,
			BatchTimeout: time.Hour,
		},
		handler: handler,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	total := decimal.NewFromInt(25)
	encode := func(e domain.ScoreEvent) []byte {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 4)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 0, Value: encode(domain.NewTotalUpdated("alice", total, time.Now()))}
	claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("not json")}
	claim.messages <- &sarama.ConsumerMessage{Offset: 2, Value: encode(domain.ScoreEvent{Type: domain.EventRoundCompleted, PlayerID: "bob"})}
	claim.messages <- &sarama.ConsumerMessage{Offset: 3, Value: encode(domain.ScoreEvent{Type: domain.EventDifficultyActivated})}
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	h := &consumerGroupHandler{consumer: consumer}
	if err := h.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim() error = %v", err)
	}

	if len(handler.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(handler.batches))
	}
	if got := handler.batches[0]; len(got) != 2 || got[0].PlayerID != "alice" || got[1].PlayerID != "bob" {
		t.Errorf("first batch = %+v", got)
	}
	if got := handler.batches[1]; len(got) != 1 || got[0].Type != domain.EventDifficultyActivated {
		t.Errorf("second batch = %+v", got)
	}
	if !handler.batches[0][0].TotalScore.Equal(total) {
		t.Errorf("total = %s, want %s", handler.batches[0][0].TotalScore, total)
	}

	if len(session.marked) != 4 {
		t.Errorf("marked offsets = %v, want all 4", session.marked)
	}
}
