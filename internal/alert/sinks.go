package alert

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"posledger/internal/domain"
)

type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, a domain.StockAlert) error {
	s.logger.Info("stock alert",
		zap.String("product_id", a.ProductID),
		zap.String("kind", string(a.Kind)),
		zap.Int("available", a.CurrentAvailable),
	)
	return nil
}

// MemorySink keeps every alert it receives.
type MemorySink struct {
	mu     sync.Mutex
	alerts []domain.StockAlert
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Publish(_ context.Context, a domain.StockAlert) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Alerts() []domain.StockAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.alerts)
}

// RedisSink publishes alerts on a pub/sub channel and keeps a capped list of
// the most recent ones under "<channel>:recent".
type RedisSink struct {
	client  *redis.Client
	channel string
	keep    int64
}

func NewRedisSink(client *redis.Client, channel string, keep int64) *RedisSink {
	if channel == "" {
		channel = "posledger:stock-alerts"
	}
	if keep < 1 {
		keep = 200
	}
	return &RedisSink{client: client, channel: channel, keep: keep}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, a domain.StockAlert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	recentKey := s.channel + ":recent"
	pipe := s.client.TxPipeline()
	pipe.Publish(ctx, s.channel, payload)
	pipe.LPush(ctx, recentKey, payload)
	pipe.LTrim(ctx, recentKey, 0, s.keep-1)
	_, err = pipe.Exec(ctx)
	return err
}

// KafkaSink writes one message per alert keyed by product id, so alerts for a
// product stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, a domain.StockAlert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.ProductID),
		Value: payload,
		Time:  a.At,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
