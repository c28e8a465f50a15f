package app

import (
	"context"
	"encoding/json"
	"fmt"

	"video_pipeline_service/internal/pipeline/domain"

	"github.com/segmentio/kafka-go"
)

// JobEventPublisher 發布工作生命週期事件給下游系統
// Event publishing is best-effort: a failed publish never blocks or
// rolls back a ledger transition.
type JobEventPublisher interface {
	Publish(ctx context.Context, ev domain.JobEvent) error
}

type kafkaEventPublisher struct {
	writer *kafka.Writer
}

// NewKafkaEventPublisher create JobEventPublisher backed by kafka
func NewKafkaEventPublisher(writer *kafka.Writer) JobEventPublisher {
	return &kafkaEventPublisher{writer: writer}
}

// Publish 以 job id 為 key 發送事件，同一個 job 的事件保持有序
func (p *kafkaEventPublisher) Publish(ctx context.Context, ev domain.JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("事件序列化失敗: %w", err)
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.JobID),
		Value: data,
	})
}

// NopEventPublisher 不發布任何事件 (kafka 未設定時使用)
type NopEventPublisher struct{}

// Publish drop the event
func (NopEventPublisher) Publish(context.Context, domain.JobEvent) error { return nil }
