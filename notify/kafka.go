package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka writes security events to a Kafka topic as JSON. Messages are keyed
// by family id so every event for one family lands on the same partition in
// order.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka returns a Kafka notifier, or nil when brokers or topic are not
// configured. The methods are nil-safe, so a disabled producer can be used
// directly. Call Close when shutting down.
func NewKafka(brokers []string, topic string) *Kafka {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Emit serializes the event as JSON and writes it to the topic. A short
// write timeout keeps a slow broker from stalling callers.
func (k *Kafka) Emit(ctx context.Context, ev Event) error {
	if k == nil || k.writer == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	return k.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(ev.FamilyID),
		Value: payload,
	})
}

// Close closes the Kafka writer. Safe to call multiple times.
func (k *Kafka) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
