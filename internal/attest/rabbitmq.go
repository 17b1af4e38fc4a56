package attest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"AgentFi-Chain/internal/ledger"
)

// RabbitMQConfig 描述存证消息通道的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQSink 将执行存证发布到 RabbitMQ 队列，由外部存证服务消费并
// 最终落到存证账本。发布成功即视为提交完成。
type RabbitMQSink struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQSink 创建存证发布端。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentfi.attestations"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, queue: queue}, nil
}

// Submit 实现 ledger.AttestationSink。
func (s *RabbitMQSink) Submit(ctx context.Context, capabilityID, resultHash string) (string, error) {
	if s == nil || s.ch == nil {
		return "", errors.New("存证通道未初始化")
	}
	ref := uuid.NewString()
	err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   ref,
		Body:        []byte(ProofMessage(capabilityID, resultHash)),
	})
	if err != nil {
		return "", fmt.Errorf("发布存证消息失败: %w", err)
	}
	return ref, nil
}

// Close 关闭存证通道。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ ledger.AttestationSink = (*RabbitMQSink)(nil)
