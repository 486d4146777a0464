package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
)

// Kafka publishes messages with the dedupe key as the record key. Consumers
// dedupe on the key; the hash balancer keeps one order's records on one
// partition.
type Kafka struct {
	w      *kafka.Writer
	prefix string
	closed atomic.Bool
}

// NewKafka creates a publisher writing to "<topicPrefix>.<topic>".
func NewKafka(brokers []string, topicPrefix string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("outbox: kafka brokers are required")
	}
	if topicPrefix == "" {
		topicPrefix = "ordercore"
	}

	return &Kafka{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		prefix: topicPrefix,
	}, nil
}

func (p *Kafka) Enqueue(ctx context.Context, msg Message) error {
	if p.closed.Load() {
		return ErrClosed
	}

	record := kafka.Message{
		Topic: p.prefix + "." + strings.ReplaceAll(msg.Topic, "_", "-"),
		Key:   []byte(msg.DedupeKey),
		Value: msg.Payload,
		Time:  msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: "dedupe-key", Value: []byte(msg.DedupeKey)},
		},
	}
	if err := p.w.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outbox: write %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *Kafka) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.w.Close()
}
