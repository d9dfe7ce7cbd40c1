package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"

	"yield-alerts/internal/monitor"
)

// MessageWriter is the subset of kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes alerts to a Kafka topic keyed by protocol:asset.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
	logger zerolog.Logger
}

// NewKafkaPublisher creates a publisher that writes to the given brokers.
func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w, topic, logger)
}

func newKafkaPublisher(w MessageWriter, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}
}

func (p *KafkaPublisher) Channel() string { return monitor.ChannelKafka }

// Notify writes one message per alert.
func (p *KafkaPublisher) Notify(ctx context.Context, note Notification) error {
	data, err := json.Marshal(note.Alert)
	if err != nil {
		return fmt.Errorf("marshal kafka alert %s: %w", note.Alert.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(note.Alert.Protocol + ":" + note.Alert.Asset),
		Value: data,
		Time:  note.Alert.Timestamp,
		Headers: []kafka.Header{
			{Key: "alert-id", Value: []byte(note.Alert.ID)},
			{Key: "severity", Value: []byte(note.Alert.Severity)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return &DeliveryError{Channel: p.Channel(), Target: p.topic, Err: err}
	}
	p.logger.Debug().Str("alert_id", note.Alert.ID).Str("topic", p.topic).Msg("alert published")
	return nil
}

// Close shuts down the underlying Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ Notifier = (*KafkaPublisher)(nil)
