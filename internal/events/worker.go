package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/registry"
	"AgentPay/pkg/logger"
)

const seenCapacity = 4096

// JobRecorder 接收履约统计。
type JobRecorder interface {
	RecordJob(ctx context.Context, serviceID string, success bool) error
}

// Worker 消费结果事件并更新服务的履约统计。
type Worker struct {
	recorder JobRecorder
	consumer Consumer
	workers  int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// NewWorker 构造 Worker。
func NewWorker(recorder JobRecorder, consumer Consumer, opts ...WorkerOption) *Worker {
	w := &Worker{
		recorder: recorder,
		consumer: consumer,
		workers:  1,
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run 阻塞消费事件直到 ctx 取消。
func (w *Worker) Run(ctx context.Context) error {
	if w.consumer == nil || w.recorder == nil {
		return xerrors.New(xerrors.CodeInitializationFailed, "结果事件消费者未初始化")
	}
	err := w.consumer.Consume(ctx, w.workers, w.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle 处理单条事件。同一事件 ID 只计入一次，服务已注销的事件直接丢弃。
func (w *Worker) Handle(ctx context.Context, outcome Outcome) error {
	if outcome.ServiceID == "" {
		return nil
	}
	if outcome.ID != "" && !w.claim(outcome.ID) {
		return nil
	}
	err := w.recorder.RecordJob(ctx, outcome.ServiceID, outcome.Success)
	switch {
	case err == nil:
		logger.L().Debug("履约统计已更新",
			slog.String("service_id", outcome.ServiceID),
			slog.Bool("success", outcome.Success),
		)
		return nil
	case errors.Is(err, registry.ErrServiceNotFound):
		logger.L().Info("跳过已注销服务的结果事件", slog.String("service_id", outcome.ServiceID))
		return nil
	default:
		w.forget(outcome.ID)
		logger.L().Error("更新履约统计失败",
			slog.String("service_id", outcome.ServiceID),
			slog.String("event_id", outcome.ID),
			slog.Any("error", err),
		)
		return err
	}
}

func (w *Worker) claim(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return false
	}
	w.seen[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > seenCapacity {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}
	return true
}

func (w *Worker) forget(id string) {
	if id == "" {
		return
	}
	w.mu.Lock()
	delete(w.seen, id)
	w.mu.Unlock()
}
