package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/kiwari-pos/settlement/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// KafkaPublisher writes each event to the topic named after its type, keyed
// by the aggregate id so events for one order stay ordered.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	prefix   string
}

// NewKafkaPublisher dials brokers with a synchronous producer.
func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.MaxMessageBytes = 1000000

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.Logger.Info().
		Strs("brokers", brokers).
		Msg("kafka publisher initialized")

	return NewKafkaPublisherWithProducer(producer, topicPrefix), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, prefix: topicPrefix}
}

// Topic returns the Kafka topic for an event type: "order.settled" becomes
// "<prefix>order-settled".
func (p *KafkaPublisher) Topic(eventType string) string {
	return p.prefix + strings.NewReplacer(".", "-", "_", "-").Replace(eventType)
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	topic := p.Topic(e.Type)

	ctx, span := otel.Tracer("kafka-publisher").Start(ctx, "kafka.publish "+e.Type,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.destination_kind", "topic"),
			attribute.String("event.type", e.Type),
			attribute.String("event.id", e.ID),
			attribute.String("event.key", e.Key),
		),
	)
	defer span.End()

	body, err := json.Marshal(e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal event")
		return fmt.Errorf("marshal event: %w", err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := []sarama.RecordHeader{
		{Key: []byte("event_type"), Value: []byte(e.Type)},
		{Key: []byte("event_id"), Value: []byte(e.ID)},
	}
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(e.Key),
		Value:   sarama.ByteEncoder(body),
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send message")
		logger.Error(ctx).
			Err(err).
			Str("topic", topic).
			Str("key", e.Key).
			Msg("failed to publish event")
		return fmt.Errorf("send to kafka: %w", err)
	}

	span.SetAttributes(
		attribute.Int("messaging.kafka.partition", int(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	)
	logger.Debug(ctx).
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("topic", topic).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("event published")
	return nil
}

// Close closes the producer.
func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
