package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func NewWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func NewReader(brokers, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        strings.Split(brokers, ","),
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
}

// MessageWriter is the part of *kafka.Writer the dispatcher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaDispatcher publishes settlement requests keyed by match ID, so every
// request for one match lands on one partition and is settled in order.
type KafkaDispatcher struct {
	writer MessageWriter
	log    *zap.Logger
}

func NewKafkaDispatcher(w MessageWriter, log *zap.Logger) *KafkaDispatcher {
	return &KafkaDispatcher{writer: w, log: log.Named("settlement_kafka")}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal settlement request: %w", err)
	}
	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.MatchID),
		Value: b,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish settlement request: %w", err)
	}
	d.log.Debug("settlement queued", zap.String("match_id", req.MatchID))
	return nil
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Consumer settles requests read from Kafka.
type Consumer struct {
	reader MessageReader
	engine *Engine
	log    *zap.Logger
}

func NewConsumer(r MessageReader, engine *Engine, log *zap.Logger) *Consumer {
	return &Consumer{reader: r, engine: engine, log: log.Named("settlement_consumer")}
}

// Run consumes until ctx is cancelled. A request that fails to settle is
// logged and left to the lifecycle sweep, which resumes or times it out.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("kafka read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		var req Request
		if err := json.Unmarshal(m.Value, &req); err != nil || req.MatchID == "" {
			c.log.Warn("invalid settlement message", zap.ByteString("key", m.Key), zap.Error(err))
			continue
		}

		if _, err := c.engine.Settle(ctx, req.MatchID, req.WinnerID, req.Reason); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if errors.Is(err, ErrSettlementInProgress) {
				c.log.Info("settlement already in flight", zap.String("match_id", req.MatchID))
				continue
			}
			c.log.Error("settle from queue failed", zap.String("match_id", req.MatchID), zap.Error(err))
		}
	}
}
