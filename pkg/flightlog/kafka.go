package flightlog

import (
	"context"
	"encoding/json"
	"log"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaMirror wraps a Store and mirrors every appended entry to a topic,
// keyed by trace id so one trace stays in one partition. Mirror failures
// are logged, never surfaced: the durable store is the source of truth.
type KafkaMirror struct {
	Next   Store
	Writer kafkaWriter
}

func NewKafkaMirror(next Store, brokers []string, topic string) *KafkaMirror {
	return &KafkaMirror{
		Next: next,
		Writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (m *KafkaMirror) Append(ctx context.Context, e Entry) error {
	if err := m.Next.Append(ctx, e); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	if err := m.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.TraceID),
		Value: raw,
	}); err != nil {
		log.Printf("flightlog: kafka mirror: %v", err)
	}
	return nil
}

func (m *KafkaMirror) Trace(ctx context.Context, traceID string) ([]Entry, error) {
	return m.Next.Trace(ctx, traceID)
}
