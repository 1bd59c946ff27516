package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"AgentPay/pkg/logger"
)

const natsQueueGroup = "agentpay-workers"

// NATSConfig 描述 NATS 连接参数。
type NATSConfig struct {
	URL     string
	Subject string
}

// NATSQueue 通过 NATS 队列组分发事件，每条事件只由组内一个订阅者处理。
type NATSQueue struct {
	conn    *nats.Conn
	subject string
}

var _ Queue = (*NATSQueue)(nil)

// NewNATSQueue 连接 NATS 服务器。
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "agentpay.outcomes"
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("agentpayd"))
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return &NATSQueue{conn: conn, subject: subject}, nil
}

// Publish 发布事件。
func (q *NATSQueue) Publish(_ context.Context, outcome Outcome) error {
	data, err := encode(outcome)
	if err != nil {
		return err
	}
	if err := q.conn.Publish(q.subject, data); err != nil {
		return fmt.Errorf("NATS 发布事件失败: %w", err)
	}
	return nil
}

// Consume 以队列组订阅主题，workerCount 个订阅共享同一组。
func (q *NATSQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	subs := make([]*nats.Subscription, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		sub, err := q.conn.QueueSubscribe(q.subject, natsQueueGroup, func(m *nats.Msg) {
			outcome, err := decode(m.Data)
			if err != nil {
				logger.L().Warn("丢弃无法解析的事件", slog.Any("error", err))
				return
			}
			if err := handler(ctx, outcome); err != nil {
				logger.L().Warn("处理结果事件失败",
					slog.String("event_id", outcome.ID),
					slog.Any("error", err),
				)
			}
		})
		if err != nil {
			drainAll(subs)
			return fmt.Errorf("订阅 NATS 主题失败: %w", err)
		}
		subs = append(subs, sub)
	}

	<-ctx.Done()
	drainAll(subs)
	return ctx.Err()
}

// Close 排空并关闭连接。
func (q *NATSQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	return q.conn.Drain()
}

func drainAll(subs []*nats.Subscription) {
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *nats.Subscription) {
			defer wg.Done()
			_ = sub.Drain()
		}(sub)
	}
	wg.Wait()
}
