package sink

import (
	"context"
	"fmt"
	"time"

	match "github.com/0x5487/hybrid-engine"
	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the syncer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the cold-storage stream.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	OrderTopic   string        `mapstructure:"order_topic"`
	TradeTopic   string        `mapstructure:"trade_topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
}

// DefaultKafkaConfig returns a config tuned for low latency: leader acks and small batches.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		OrderTopic:   "hybrid.orders",
		TradeTopic:   "hybrid.trades",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: time.Second,
		RequiredAcks: 1,
	}
}

// KafkaSyncer implements match.Syncer on top of kafka-go.
// Messages are keyed by pair so one pair's records stay in one partition, in order.
type KafkaSyncer struct {
	config     KafkaConfig
	writer     MessageWriter
	serializer protocol.Serializer
}

// KafkaOption configures a KafkaSyncer.
type KafkaOption func(*KafkaSyncer)

// WithWriter replaces the kafka writer.
func WithWriter(w MessageWriter) KafkaOption {
	return func(s *KafkaSyncer) {
		s.writer = w
	}
}

// WithSerializer replaces the payload serializer. JSON is the default.
func WithSerializer(ser protocol.Serializer) KafkaOption {
	return func(s *KafkaSyncer) {
		s.serializer = ser
	}
}

// NewKafkaSyncer creates a syncer writing to cfg.Brokers.
func NewKafkaSyncer(cfg KafkaConfig, opts ...KafkaOption) *KafkaSyncer {
	s := &KafkaSyncer{
		config:     cfg,
		serializer: protocol.DefaultJSONSerializer{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.writer == nil {
		s.writer = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              cfg.BatchSize,
			BatchTimeout:           cfg.BatchTimeout,
			WriteTimeout:           cfg.WriteTimeout,
			RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
			AllowAutoTopicCreation: true,
		}
	}
	return s
}

// SyncOrder writes the order record to the order topic.
func (s *KafkaSyncer) SyncOrder(ctx context.Context, order *match.Order) error {
	return s.write(ctx, s.config.OrderTopic, protocol.EventOrderSync, order.Pair, order.Seq, OrderRecord(order))
}

// SyncTrade writes the trade record to the trade topic.
func (s *KafkaSyncer) SyncTrade(ctx context.Context, trade *match.Trade) error {
	return s.write(ctx, s.config.TradeTopic, protocol.EventTradeSync, trade.Pair, 0, TradeRecord(trade))
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSyncer) Close() error {
	return s.writer.Close()
}

func (s *KafkaSyncer) write(ctx context.Context, topic string, typ protocol.EventType, pair string, seq uint64, payload any) error {
	env, err := protocol.Wrap(s.serializer, typ, pair, seq, payload)
	if err != nil {
		return fmt.Errorf("sink: wrap %d: %w", typ, err)
	}
	value, err := s.serializer.Marshal(env)
	if err != nil {
		return fmt.Errorf("sink: marshal envelope: %w", err)
	}

	if s.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.WriteTimeout)
		defer cancel()
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(pair),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte{byte(typ)}},
		},
	})
	if err != nil {
		return fmt.Errorf("sink: write %s: %w", topic, err)
	}
	return nil
}
