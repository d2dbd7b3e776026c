package sink

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ngoyal88/relaylog/pkg/record"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka produces one message per record, keyed by instance id so a single
// process's records stay ordered within a partition.
type Kafka struct {
	w      messageWriter
	topic  string
	closed atomic.Bool
}

func NewKafka(brokers []string, topic string, batchTimeout time.Duration) *Kafka {
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return newKafka(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
	}, topic)
}

func newKafka(w messageWriter, topic string) *Kafka {
	return &Kafka{w: w, topic: topic}
}

func (k *Kafka) Emit(ctx context.Context, rec *record.LogRecord) error {
	if k.closed.Load() {
		return ErrClosed
	}
	data, encErr := Encode(rec)

	err := k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Server.InstanceID),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("write to topic %s: %w", k.topic, err)
	}
	if encErr != nil {
		return fmt.Errorf("encode record: %w", encErr)
	}
	return nil
}

func (k *Kafka) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	return k.w.Close()
}

// CreateTopic makes sure topic exists on broker. Brokers with auto-create
// enabled don't need it.
func CreateTopic(ctx context.Context, broker, topic string) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	return conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
}
