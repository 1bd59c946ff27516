package events

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"AgentPay/internal/config"
	"AgentPay/internal/registry"
)

type recordedJob struct {
	serviceID string
	success   bool
}

type fakeRecorder struct {
	mu   sync.Mutex
	jobs []recordedJob
	fail error
	done chan struct{}
}

func (f *fakeRecorder) RecordJob(_ context.Context, serviceID string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.jobs = append(f.jobs, recordedJob{serviceID, success})
	if f.done != nil {
		f.done <- struct{}{}
	}
	return nil
}

func (f *fakeRecorder) snapshot() []recordedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedJob(nil), f.jobs...)
}

func TestWorkerAppliesOutcomesOnce(t *testing.T) {
	recorder := &fakeRecorder{done: make(chan struct{}, 8)}
	queue := NewMemoryQueue(8)
	worker := NewWorker(recorder, queue, WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(ctx) }()

	for _, outcome := range []Outcome{
		{ID: "e1", ServiceID: "svc-a", Success: true},
		{ID: "e1", ServiceID: "svc-a", Success: true},
		{ID: "e2", ServiceID: "svc-b", Success: false},
	} {
		if err := queue.Publish(ctx, outcome); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-recorder.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for outcomes")
		}
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	jobs := recorder.snapshot()
	if len(jobs) != 2 {
		t.Fatalf("expected duplicate event to be applied once, got %+v", jobs)
	}
}

func TestHandleSkipsDeregisteredAndRetriesFailures(t *testing.T) {
	recorder := &fakeRecorder{fail: registry.ErrServiceNotFound}
	worker := NewWorker(recorder, NewMemoryQueue(1))
	if err := worker.Handle(context.Background(), Outcome{ID: "x", ServiceID: "gone"}); err != nil {
		t.Fatalf("expected deregistered service to be skipped, got %v", err)
	}

	recorder.fail = errors.New("disk full")
	if err := worker.Handle(context.Background(), Outcome{ID: "y", ServiceID: "svc"}); err == nil {
		t.Fatal("expected failure to surface")
	}
	recorder.fail = nil
	if err := worker.Handle(context.Background(), Outcome{ID: "y", ServiceID: "svc"}); err != nil {
		t.Fatalf("expected redelivered event to be applied, got %v", err)
	}
	if jobs := recorder.snapshot(); len(jobs) != 1 || jobs[0].serviceID != "svc" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestRunRequiresDependencies(t *testing.T) {
	if err := NewWorker(nil, nil).Run(context.Background()); err == nil {
		t.Fatal("expected initialization error")
	}
}

func TestFactoryRejectsUnknownDriver(t *testing.T) {
	if _, err := New(context.Background(), config.EventsConfig{Driver: "kafka"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	queue, err := New(context.Background(), config.EventsConfig{})
	if err != nil {
		t.Fatalf("memory driver: %v", err)
	}
	if _, ok := queue.(*MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", queue)
	}
}

func TestRedisQueueRoundTrip(t *testing.T) {
	addr := os.Getenv("AGENTPAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTPAY_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	queue, err := NewRedisQueue(ctx, RedisConfig{Address: addr, Queue: "agentpay:test:" + time.Now().Format("150405.000000"), BlockWait: time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer queue.Close()

	if err := queue.Publish(ctx, Outcome{ID: "r1", ServiceID: "svc", Success: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := make(chan Outcome, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = queue.Consume(consumeCtx, 1, func(_ context.Context, o Outcome) error {
			got <- o
			return nil
		})
	}()
	select {
	case outcome := <-got:
		if outcome.ID != "r1" || !outcome.Success {
			t.Fatalf("unexpected outcome %+v", outcome)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for redis outcome")
	}
}
