package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/instant-dispatch/internal/models"
)

// HeartbeatMessage is the wire form of a worker heartbeat on the bus.
type HeartbeatMessage struct {
	WorkerID string          `json:"worker_id"`
	Loc      models.Location `json:"loc"`
	SentAt   time.Time       `json:"sent_at"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishHeartbeat(workerID string, loc models.Location) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(HeartbeatMessage{WorkerID: workerID, Loc: loc, SentAt: time.Now()})
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(workerID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
