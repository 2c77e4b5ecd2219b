package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/xtrntr/campusmarket/internal/models"
)

// Producer is the subset of a Kafka writer the sink needs
type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// KafkaSink publishes notifications as JSON envelopes keyed by recipient, so
// all messages for one user land on the same partition in order.
type KafkaSink struct {
	producer Producer
}

// NewKafkaSink wraps an existing producer
func NewKafkaSink(p Producer) *KafkaSink {
	return &KafkaSink{producer: p}
}

// DialKafkaSink builds a traced writer for topic on broker
func DialKafkaSink(broker, topic string, tp trace.TracerProvider) (*KafkaSink, error) {
	base := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}

	writer, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.client_id", "campusmarket"),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka writer: %w", err)
	}
	return &KafkaSink{producer: writer}, nil
}

// Message builds the Kafka message for n
func Message(n models.Notification) (kafka.Message, error) {
	value, err := Encode(n)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode notification: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(n.UserID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
			{Key: "event_id", Value: []byte(n.EventID)},
		},
	}, nil
}

// Send publishes n
func (s *KafkaSink) Send(ctx context.Context, n models.Notification) error {
	msg, err := Message(n)
	if err != nil {
		return err
	}
	if err := s.producer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close closes the underlying writer
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
