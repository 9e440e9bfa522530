package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends records to a topic keyed by request id so one request's
// timeline stays ordered within a partition.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaSink{writer: w, timeout: 2 * time.Second}
}

func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w, timeout: 2 * time.Second}
}

type kafkaEnvelope struct {
	Kind          string         `json:"kind"`
	Record        *Record        `json:"record,omitempty"`
	Communication *Communication `json:"communication,omitempty"`
}

func (k *KafkaSink) Record(ctx context.Context, r Record) error {
	return k.write(ctx, r.RequestID, kafkaEnvelope{Kind: "record", Record: &r})
}

func (k *KafkaSink) Communication(ctx context.Context, c Communication) error {
	return k.write(ctx, c.RequestID, kafkaEnvelope{Kind: "communication", Communication: &c})
}

func (k *KafkaSink) write(ctx context.Context, key string, env kafkaEnvelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
