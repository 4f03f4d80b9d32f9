package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/office-analysis/office-analysis-go/internal/config"
)

// defaultHeartbeat 心跳间隔
const defaultHeartbeat = 10 * time.Second

// Broker 队列的最小操作集合
type Broker interface {
	Publish(ctx context.Context, msg amqp.Publishing) error
	Consume() (<-chan amqp.Delivery, error)
	Reconnect() error
	ReconnectSignals() <-chan struct{}
}

// RabbitMQ 带自动重连的单队列客户端
type RabbitMQ struct {
	cfg           config.RabbitMQConfig
	logger        *logrus.Logger
	prefetchCount int
	maxRetries    int

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	reconnect chan struct{}
}

// NewRabbitMQ 连接并声明持久化队列；prefetchCount 应与消费并发一致
func NewRabbitMQ(cfg config.RabbitMQConfig, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}

	mq := &RabbitMQ{
		cfg:           cfg,
		logger:        logger,
		prefetchCount: prefetchCount,
		maxRetries:    10,
		reconnect:     make(chan struct{}, 1),
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// URL 连接地址
func (mq *RabbitMQ) URL() string {
	return amqpURL(mq.cfg)
}

func amqpURL(cfg config.RabbitMQConfig) string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		Vhost:    cfg.VHost,
	}
	return uri.String()
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(amqpURL(mq.cfg), amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(mq.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	go mq.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.cfg.Host,
		"port":           mq.cfg.Port,
		"queue":          mq.cfg.Queue,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// watch 连接或通道异常关闭时发出重连信号；主动关闭时通知通道无错误直接关闭
func (mq *RabbitMQ) watch(connClosed, chanClosed <-chan *amqp.Error) {
	var err *amqp.Error
	select {
	case err = <-connClosed:
	case err = <-chanClosed:
	}
	if err == nil {
		return
	}

	mq.mu.RLock()
	closed := mq.closed
	mq.mu.RUnlock()
	if closed {
		return
	}

	mq.logger.WithError(err).Error("RabbitMQ connection lost")

	select {
	case mq.reconnect <- struct{}{}:
	default:
	}
}

// ReconnectSignals 重连信号
func (mq *RabbitMQ) ReconnectSignals() <-chan struct{} {
	return mq.reconnect
}

// Reconnect 关闭旧连接并按线性退避重试
func (mq *RabbitMQ) Reconnect() error {
	mq.closeConnections()

	for attempt := 1; attempt <= mq.maxRetries; attempt++ {
		mq.logger.WithFields(logrus.Fields{
			"attempt":     attempt,
			"max_retries": mq.maxRetries,
		}).Info("Reconnecting to RabbitMQ")

		if err := mq.connect(); err != nil {
			mq.logger.WithError(err).Warn("Reconnect attempt failed")
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", mq.maxRetries)
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, msg amqp.Publishing) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("channel is nil")
	}

	msg.DeliveryMode = amqp.Persistent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return ch.PublishWithContext(ctx, "", mq.cfg.Queue, false, false, msg)
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, fmt.Errorf("channel is nil")
	}

	msgs, err := ch.Consume(mq.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待消费的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, fmt.Errorf("channel is nil")
	}

	q, err := ch.QueueInspect(mq.cfg.Queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// PurgeQueue 清空队列中的残留消息，返回清除数量
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, fmt.Errorf("channel is nil")
	}

	count, err := ch.QueuePurge(mq.cfg.Queue, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}
	return count, nil
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 主动关闭，不再触发重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
