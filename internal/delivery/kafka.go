package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"otp-relay/internal/model"
)

// Producer is the Kafka client surface used by the sink.
type Producer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes events as JSON keyed by event id.
type KafkaSink struct {
	producer Producer
}

func NewKafkaSink(p Producer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Notify(ctx context.Context, event model.OtpEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka notify encode: %w", err)
	}
	headers := map[string]string{
		"service": event.Service,
		"country": event.Country,
	}
	if err := s.producer.ProduceMessage(ctx, []byte(event.ID), value, headers); err != nil {
		return fmt.Errorf("kafka notify: %w", err)
	}
	return nil
}

var _ Sink = (*KafkaSink)(nil)
