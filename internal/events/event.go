// Package events 投递履约结果事件，并由工作协程将结果回写到服务注册表的履约统计。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Outcome 描述一次已付款调用的最终结果。
type Outcome struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	TransactionID string    `json:"transaction_id"`
	ServiceID     string    `json:"service_id"`
	Identity      string    `json:"identity"`
	Success       bool      `json:"success"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Handler 处理一条结果事件。
type Handler func(ctx context.Context, outcome Outcome) error

// Publisher 负责投递结果事件。
type Publisher interface {
	Publish(ctx context.Context, outcome Outcome) error
	Close() error
}

// Consumer 负责消费结果事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备投递与消费能力。
type Queue interface {
	Publisher
	Consumer
}

func encode(outcome Outcome) ([]byte, error) {
	data, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("序列化结果事件失败: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Outcome, error) {
	var outcome Outcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return Outcome{}, fmt.Errorf("解析结果事件失败: %w", err)
	}
	return outcome, nil
}
