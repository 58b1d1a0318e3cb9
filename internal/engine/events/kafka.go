package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes engine events to Kafka, one topic per event kind
// under the configured prefix (e.g. engine.match.allocated). Writes are
// fire-and-forget: failures are counted and logged, never propagated into
// the engine's control flow.
type KafkaPublisher struct {
	writer *kafka.Writer
	prefix string
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topicPrefix string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.CRC32Balancer{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
		},
		prefix: topicPrefix,
		logger: logger,
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		deliveryFailures.WithLabelValues(event.Type).Inc()
		k.logger.Error("marshal event", zap.String("type", event.Type), zap.Error(err))
		return
	}

	msg := kafka.Message{
		Topic: k.prefix + "." + event.Type,
		Key:   []byte(event.ID.String()),
		Value: data,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		deliveryFailures.WithLabelValues(event.Type).Inc()
		k.logger.Error("publish event to kafka",
			zap.String("type", event.Type),
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
	}
}

// Close flushes and closes the underlying writer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
