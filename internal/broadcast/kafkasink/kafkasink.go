// Package kafkasink republishes broadcast messages onto a Kafka topic for
// downstream consumers (market data, analytics), as an auxiliary
// broadcast.Sink alongside the primary in-process sink.
package kafkasink

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	kafka "github.com/segmentio/kafka-go"

	"matchengine/internal/broadcast"
)

// Sink writes every broadcast message to a Kafka topic as JSON.
type Sink struct {
	writer *kafka.Writer
}

// New builds a Sink writing to topic on brokers.
func New(brokers []string, topic string) *Sink {
	return &Sink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Send implements broadcast.Sink.
func (s *Sink) Send(msg broadcast.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "kafkasink: encode message")
	}
	if err := s.writer.WriteMessages(context.Background(), kafka.Message{Value: b}); err != nil {
		return errors.Wrap(err, "kafkasink: write message")
	}
	return nil
}

// Close releases the underlying Kafka writer's connections.
func (s *Sink) Close() error {
	return errors.Wrap(s.writer.Close(), "kafkasink: close")
}
