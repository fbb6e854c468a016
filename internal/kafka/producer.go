package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/airfeeld-scoring/internal/config"
	"github.com/airfeeld-scoring/internal/domain"
)

// Producer publishes score events to Kafka
type Producer struct {
	config   *config.KafkaConfig
	producer sarama.AsyncProducer
	logger   *slog.Logger
	wg       sync.WaitGroup

	successCount atomic.Int64
	errorCount   atomic.Int64
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = 100 * time.Millisecond
	saramaConfig.Producer.Flush.Messages = 100
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}

	p := &Producer{
		config:   cfg,
		producer: producer,
		logger:   logger,
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		for range producer.Successes() {
			p.successCount.Add(1)
		}
	}()
	go func() {
		defer p.wg.Done()
		for err := range producer.Errors() {
			p.errorCount.Add(1)
			p.logger.Error("failed to deliver score event",
				"topic", err.Msg.Topic,
				"error", err.Err,
			)
		}
	}()

	return p, nil
}

// Publish queues event for delivery, keyed by player so a player's events
// stay ordered within one partition
func (p *Producer) Publish(ctx context.Context, event domain.ScoreEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(event.PlayerID),
		Value: sarama.ByteEncoder(data),
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns delivered and failed message counts
func (p *Producer) Stats() (delivered, failed int64) {
	return p.successCount.Load(), p.errorCount.Load()
}

// Close flushes pending messages and shuts the producer down
func (p *Producer) Close() error {
	err := p.producer.Close()
	p.wg.Wait()

	delivered, failed := p.Stats()
	p.logger.Info("Kafka producer closed", "delivered", delivered, "failed", failed)
	return err
}
