package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"video_pipeline_service/internal/pipeline/domain"
	"video_pipeline_service/pkg/database"

	"github.com/streadway/amqp"
)

// StageDispatcher 發布 stage 派工訊息給 orchestrator workers
// DispatchAfter must be durable: a message scheduled before a restart
// still has to arrive after it.
type StageDispatcher interface {
	Dispatch(ctx context.Context, msg domain.DispatchMessage) error
	DispatchAfter(ctx context.Context, msg domain.DispatchMessage, delay time.Duration) error
}

type rabbitDispatcher struct {
	channel        database.RabbitRepo
	queueName      string
	retryQueueName string
}

// NewRabbitDispatcher create StageDispatcher backed by RabbitMQ
func NewRabbitDispatcher(channel database.RabbitRepo, queueName, retryQueueName string) StageDispatcher {
	return &rabbitDispatcher{channel: channel, queueName: queueName, retryQueueName: retryQueueName}
}

// Dispatch 序列化派工訊息並發布到 queue
func (d *rabbitDispatcher) Dispatch(_ context.Context, msg domain.DispatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("派工訊息序列化失敗: %w", err)
	}

	return d.channel.Publish(
		"",          // default exchange
		d.queueName, // queue name
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        data,
		},
	)
}

// DispatchAfter 將派工訊息發布到 retry queue，經過 delay 後 dead-letter
// 回主 queue。排程存在 broker 裡，process 重啟不會弄丟。
func (d *rabbitDispatcher) DispatchAfter(_ context.Context, msg domain.DispatchMessage, delay time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("派工訊息序列化失敗: %w", err)
	}

	return d.channel.Publish(
		"",
		d.retryQueueName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        data,
			Expiration:  strconv.FormatInt(delay.Milliseconds(), 10),
		},
	)
}
