// Package ingest forwards responder location pings to Kafka for the trail
// consumer.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/emergency-dispatch/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewKafkaProducer keys messages by responder id so one responder's pings
// stay ordered.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, BatchTimeout: 50 * time.Millisecond}
	return NewKafkaProducerWithWriter(w)
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.ResponderID), Value: b, Time: p.At})
}

// DecodeLocation parses a message written by PublishLocation.
func DecodeLocation(m kafka.Message) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(m.Value, &p); err != nil {
		return p, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if p.ResponderID == "" || !(models.Coord{Lat: p.Lat, Lng: p.Lng}).Valid() {
		return p, fmt.Errorf("%w: incomplete ping", models.ErrInvalidInput)
	}
	return p, nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
