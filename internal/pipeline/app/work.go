package app

import (
	"context"
	"encoding/json"
	"time"

	"video_pipeline_service/internal/pipeline/domain"
	"video_pipeline_service/pkg/database"
	"video_pipeline_service/pkg/logger"

	"go.uber.org/zap"
)

// Consumer 消費派工訊息並交給 orchestrator 處理
// Several consumers may run in parallel (horizontal scaling); duplicate
// deliveries are harmless because the orchestrator claims each attempt
// through the ledger CAS before executing anything.
type Consumer struct {
	rabbit       database.RabbitRepo
	orchestrator *Orchestrator
	queueName    string
}

// NewConsumer 建構 Consumer 實例
func NewConsumer(rabbit database.RabbitRepo, orchestrator *Orchestrator, queueName string) *Consumer {
	return &Consumer{
		rabbit:       rabbit,
		orchestrator: orchestrator,
		queueName:    queueName,
	}
}

// StartConsumer 開始消費派工訊息，直到 ctx 結束
func (c *Consumer) StartConsumer(ctx context.Context) {
	msgs, err := c.rabbit.GetRabbit().Consume(
		c.queueName,
		"",    // consumer tag，留空由系統分配
		false, // autoAck 為 false，使用手動確認
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // arguments
	)
	if err != nil {
		logger.Log.Fatal("無法開始消費派工訊息", zap.Error(err))
	}

	logger.Log.Info("Consumer 已啟動，等待派工訊息...")

	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				logger.Log.Warn("派工訊息 channel 已關閉")
				return
			}

			var msg domain.DispatchMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				logger.Log.Errorf("解析派工訊息失敗:", err)
				// 無法解析的訊息重新排入也不會變好，直接丟棄
				if err := d.Nack(false, false); err != nil {
					logger.Log.Errorf("Nack 訊息失敗:", err)
				}
				continue
			}

			logger.Log.Info("收到派工訊息",
				zap.String("job_id", msg.JobID),
				zap.Int("stage_index", msg.StageIndex),
				zap.Int("attempt", msg.Attempt),
			)

			if err := c.orchestrator.HandleDispatch(ctx, msg); err != nil {
				logger.Log.Errorf("處理派工訊息失敗:", err)
				time.Sleep(5 * time.Second)
				if err := d.Nack(false, true); err != nil {
					logger.Log.Errorf("Nack 訊息失敗:", err)
				}
				continue
			}

			if err := d.Ack(false); err != nil {
				logger.Log.Errorf("確認訊息失敗:", err)
			}
		case <-ctx.Done():
			logger.Log.Info("Consumer 收到停止訊號")
			return
		}
	}
}
