package client

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"otp-relay/internal/config"
)

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	Writer MessageWriter
	config config.KafkaConfig
	logger *zap.Logger
}

// NewKafkaProducer builds a synchronous writer bound to cfg.Topic. Brokers
// are contacted lazily on the first write.
func NewKafkaProducer(cfg config.KafkaConfig, logger *zap.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchSize:              100,
		BatchBytes:             1048576, // 1MB
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	logger.Info("Kafka producer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)

	return NewKafkaProducerWithWriter(writer, cfg, logger)
}

// NewKafkaProducerWithWriter wraps an existing writer.
func NewKafkaProducerWithWriter(w MessageWriter, cfg config.KafkaConfig, logger *zap.Logger) *KafkaProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaProducer{Writer: w, config: cfg, logger: logger}
}

func (p *KafkaProducer) Close() error {
	if p.Writer == nil {
		return nil
	}
	if err := p.Writer.Close(); err != nil {
		p.logger.Error("failed to close Kafka producer", zap.Error(err))
		return err
	}
	p.logger.Info("Kafka producer closed")
	return nil
}

// ProduceMessage writes one message to the configured topic.
func (p *KafkaProducer) ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{
			Key:   k,
			Value: []byte(v),
		})
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	p.logger.Debug("Produced kafka message",
		zap.String("topic", p.config.Topic),
		zap.ByteString("key", key),
		zap.Int("value_size", len(value)),
	)
	return nil
}

// HealthCheck dials the first broker and reads partition metadata.
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	if len(p.config.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	dialer := &kafka.Dialer{
		Timeout:   5 * time.Second,
		DualStack: true,
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read Kafka partitions: %w", err)
	}
	return nil
}
