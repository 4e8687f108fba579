package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"postpilot/models"
)

const EventShippingRecorded = "shipping.recorded"

const publishBatchTimeout = 5 * time.Millisecond

// ShippingRecordedEvent は記録登録時にトピックへ送るイベントです
type ShippingRecordedEvent struct {
	Type       string                `json:"type"`
	LedgerID   string                `json:"ledgerId"`
	Record     models.ShippingRecord `json:"record"`
	RecordedAt time.Time             `json:"recordedAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher は登録された記録を Kafka トピックに送ります
type KafkaPublisher struct {
	writer   messageWriter
	ledgerID string
	now      func() time.Time
}

// NewKafkaPublisher は同期ライターを作ります。1リクエストにつき1件なのでバッチは溜めずにすぐ送ります
func NewKafkaPublisher(brokers []string, topic, ledgerID string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              1,
		BatchTimeout:           publishBatchTimeout,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(writer, ledgerID)
}

func newKafkaPublisher(w messageWriter, ledgerID string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, ledgerID: ledgerID, now: time.Now}
}

func (k *KafkaPublisher) Name() string { return "kafka" }

func (k *KafkaPublisher) Publish(ctx context.Context, record models.ShippingRecord) error {
	value, err := json.Marshal(ShippingRecordedEvent{
		Type:       EventShippingRecorded,
		LedgerID:   k.ledgerID,
		Record:     record,
		RecordedAt: k.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := kafka.Message{
		// 同じ記録IDは同じパーティションに入る
		Key:   []byte(record.RecordID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventShippingRecorded)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
