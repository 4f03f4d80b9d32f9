package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AnalysisMessage 分析任务消息
type AnalysisMessage struct {
	TaskID   string `json:"task_id"`
	FilePath string `json:"file_path"`
}

// Producer 消息生产者
type Producer struct {
	broker Broker
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(broker Broker, logger *logrus.Logger) *Producer {
	return &Producer{
		broker: broker,
		logger: logger,
	}
}

// Publish 发布任务消息
func (p *Producer) Publish(ctx context.Context, msg *AnalysisMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.broker.Publish(ctx, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.TaskID,
		Body:        body,
	})
	if err != nil {
		p.logger.WithError(err).WithField("task_id", msg.TaskID).Error("Failed to publish task")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithField("task_id", msg.TaskID).Debug("Task published to queue")
	return nil
}

// Dispatch 以任务 ID 和文件路径发布
func (p *Producer) Dispatch(ctx context.Context, taskID, filePath string) error {
	return p.Publish(ctx, &AnalysisMessage{TaskID: taskID, FilePath: filePath})
}
