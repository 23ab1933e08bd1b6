package audit

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink forwards audit events to a Kafka topic using segmentio/kafka-go.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a Kafka audit sink. Returns nil when brokers or
// topic are unset so callers can install it unconditionally. Call Close
// when shutting down.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: writer}
}

// Emit writes the serialized event with a short timeout so a slow broker
// never stalls the caller.
func (s *KafkaSink) Emit(event []byte) error {
	if s == nil || s.writer == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writer.WriteMessages(writeCtx, kafka.Message{Value: event})
}

// Close closes the Kafka writer. Safe to call multiple times.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
