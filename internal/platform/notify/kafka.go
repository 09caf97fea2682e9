package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/marketday/api/internal/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher writes notifications to a Kafka topic keyed by user.
type KafkaDispatcher struct {
	writer messageWriter
}

// NewKafkaWriter builds a synchronous writer that waits for all in-sync replicas.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// NewKafkaDispatcher wraps writer.
func NewKafkaDispatcher(writer messageWriter) (*KafkaDispatcher, error) {
	if writer == nil {
		return nil, errors.New("kafka dispatcher: writer is required")
	}
	return &KafkaDispatcher{writer: writer}, nil
}

// Send implements services.NotificationDispatcher.
func (k *KafkaDispatcher) Send(ctx context.Context, notification services.Notification) error {
	payload, err := json.Marshal(newEnvelope(notification))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	headers := make([]kafka.Header, 0, 4)
	for key, value := range attributes(notification) {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	msg := kafka.Message{
		Key:     []byte(notification.UserID),
		Value:   payload,
		Headers: headers,
		Time:    notification.SentAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write notification: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaDispatcher) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
