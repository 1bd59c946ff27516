package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AgentPay/internal/config"
	xerrors "AgentPay/internal/errors"
)

// New 根据配置创建事件队列。
func New(ctx context.Context, cfg config.EventsConfig) (Queue, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		queue Queue
		err   error
	)
	switch driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		queue, err = NewRedisQueue(ctx, RedisConfig{
			Address:   cfg.URL,
			Password:  cfg.Password,
			DB:        cfg.RedisDB,
			Queue:     cfg.Topic,
			BlockWait: time.Duration(cfg.BlockSecs) * time.Second,
		})
	case "rabbitmq":
		queue, err = NewRabbitMQQueue(RabbitMQConfig{URL: cfg.URL, Queue: cfg.Topic, Prefetch: cfg.Workers})
	case "nats":
		queue, err = NewNATSQueue(NATSConfig{URL: cfg.URL, Subject: cfg.Topic})
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailed, fmt.Sprintf("不支持的事件驱动: %s", cfg.Driver))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化事件队列失败")
	}
	return queue, nil
}
